package nfc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dotside-studios/tagengine/nfc"

// OperationType names the engine operation being tracked.
type OperationType string

const (
	OpRead   OperationType = "READ"
	OpWrite  OperationType = "WRITE"
	OpFormat OperationType = "FORMAT"
	OpLock   OperationType = "LOCK"
	OpUnlock OperationType = "UNLOCK"
)

// Step is one timestamped entry in an operation's timeline.
type Step struct {
	Name      string
	Timestamp time.Time
	Data      map[string]any
}

// OperationError is the failure recorded on an operation.
type OperationError struct {
	Category ErrorCategory
	Message  string
}

// OperationRecord is the diagnostic timeline of one operation.
type OperationRecord struct {
	ID        string
	Type      OperationType
	Metadata  map[string]any
	StartTime time.Time
	Steps     []Step
	EndTime   time.Time
	Success   bool
	Result    map[string]any
	Error     *OperationError
}

// Duration is the total time from start to end, or zero while running.
func (r *OperationRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// StepElapsed returns the time from operation start to step i.
func (r *OperationRecord) StepElapsed(i int) time.Duration {
	if i < 0 || i >= len(r.Steps) {
		return 0
	}
	return r.Steps[i].Timestamp.Sub(r.StartTime)
}

// Reporter receives every sealed operation record.
type Reporter interface {
	Report(rec OperationRecord)
}

type trackedOp struct {
	mu   sync.Mutex
	rec  OperationRecord
	span trace.Span
}

// Tracker records operation timelines. Records live only until their
// operation ends; they are then handed to the reporters and dropped.
type Tracker struct {
	mu        sync.Mutex
	ops       map[string]*trackedOp
	counter   atomic.Uint64
	clock     Clock
	tracer    trace.Tracer
	logger    *slog.Logger
	reporters []Reporter
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock sets the clock used for timestamps.
func WithTrackerClock(c Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithTracerProvider sets the OpenTelemetry provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) TrackerOption {
	return func(t *Tracker) { t.tracer = tp.Tracer(tracerName) }
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithReporter adds a reporter for sealed records.
func WithReporter(r Reporter) TrackerOption {
	return func(t *Tracker) { t.reporters = append(t.reporters, r) }
}

// NewTracker creates a Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		ops:    make(map[string]*trackedOp),
		clock:  NewRealClock(),
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens an operation and returns its id.
func (t *Tracker) Start(ctx context.Context, typ OperationType, metadata map[string]any) string {
	now := t.clock.Now()
	id := fmt.Sprintf("op_%d_%d", t.counter.Add(1), now.UnixMilli())

	_, span := t.tracer.Start(ctx, "nfc."+strings.ToLower(string(typ)),
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.String("nfc.op_id", id),
			attribute.String("nfc.op_type", string(typ)),
		),
		trace.WithAttributes(attrs(metadata)...),
	)

	op := &trackedOp{
		rec: OperationRecord{
			ID:        id,
			Type:      typ,
			Metadata:  metadata,
			StartTime: now,
		},
		span: span,
	}

	t.mu.Lock()
	t.ops[id] = op
	t.mu.Unlock()

	t.logger.Debug("operation started", "op_id", id, "op_type", typ)
	return id
}

func (t *Tracker) lookup(id string) *trackedOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops[id]
}

// take removes the operation so exactly one terminal call can seal it.
func (t *Tracker) take(id string) *trackedOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.ops[id]
	delete(t.ops, id)
	return op
}

// LogStep appends a step. Unknown ids are logged and ignored.
func (t *Tracker) LogStep(id, name string, data map[string]any) {
	op := t.lookup(id)
	if op == nil {
		t.logger.Warn("step for unknown operation", "op_id", id, "step", name)
		return
	}
	now := t.clock.Now()

	op.mu.Lock()
	op.rec.Steps = append(op.rec.Steps, Step{Name: name, Timestamp: now, Data: data})
	op.mu.Unlock()

	op.span.AddEvent(name, trace.WithTimestamp(now), trace.WithAttributes(attrs(data)...))
	t.logger.Debug("operation step", "op_id", id, "step", name)
}

// End marks the operation successful and seals it.
func (t *Tracker) End(id string, result map[string]any) (OperationRecord, bool) {
	op := t.take(id)
	if op == nil {
		t.logger.Warn("end for unknown operation", "op_id", id)
		return OperationRecord{}, false
	}

	op.mu.Lock()
	op.rec.EndTime = t.clock.Now()
	op.rec.Success = true
	op.rec.Result = result
	rec := op.rec
	op.mu.Unlock()

	op.span.SetStatus(codes.Ok, "")
	op.span.End(trace.WithTimestamp(rec.EndTime))
	t.logger.Info("operation completed", "op_id", id, "op_type", rec.Type, "duration", rec.Duration())
	t.report(rec)
	return rec, true
}

// EndWithError marks the operation failed and seals it. The error is
// classified when category is empty.
func (t *Tracker) EndWithError(id string, err error, category ErrorCategory) (OperationRecord, bool) {
	op := t.take(id)
	if op == nil {
		t.logger.Warn("end for unknown operation", "op_id", id, "error", err)
		return OperationRecord{}, false
	}
	if category == "" {
		category = Classify(err)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	op.mu.Lock()
	op.rec.EndTime = t.clock.Now()
	op.rec.Success = false
	op.rec.Error = &OperationError{Category: category, Message: msg}
	rec := op.rec
	op.mu.Unlock()

	op.span.SetAttributes(attribute.String("nfc.error_category", string(category)))
	if category.IsReportable() {
		if err != nil {
			op.span.RecordError(err)
		}
		op.span.SetStatus(codes.Error, string(category))
		t.logger.Warn("operation failed", "op_id", id, "op_type", rec.Type, "category", category, "error", msg)
	} else {
		t.logger.Info("operation cancelled", "op_id", id, "op_type", rec.Type)
	}
	op.span.End(trace.WithTimestamp(rec.EndTime))
	t.report(rec)
	return rec, true
}

// Active returns the number of operations not yet ended.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// AddReporter subscribes r to records sealed from now on.
func (t *Tracker) AddReporter(r Reporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reporters = append(t.reporters, r)
}

func (t *Tracker) report(rec OperationRecord) {
	t.mu.Lock()
	reporters := slices.Clone(t.reporters)
	t.mu.Unlock()
	for _, r := range reporters {
		r.Report(rec)
	}
}

func attrs(data map[string]any) []attribute.KeyValue {
	if len(data) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(data))
	for k, v := range data {
		key := "nfc." + k
		switch tv := v.(type) {
		case string:
			out = append(out, attribute.String(key, tv))
		case bool:
			out = append(out, attribute.Bool(key, tv))
		case int:
			out = append(out, attribute.Int(key, tv))
		case int64:
			out = append(out, attribute.Int64(key, tv))
		case float64:
			out = append(out, attribute.Float64(key, tv))
		default:
			out = append(out, attribute.String(key, fmt.Sprint(tv)))
		}
	}
	return out
}
