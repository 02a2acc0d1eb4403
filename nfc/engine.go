package nfc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// EngineState is the engine's position in the operation state machine.
type EngineState string

const (
	StateIdle              EngineState = "IDLE"
	StateRequestingSession EngineState = "REQUESTING_SESSION"
	StateTagAcquired       EngineState = "TAG_ACQUIRED"
	StateDecoding          EngineState = "DECODING"
	StateEncoding          EngineState = "ENCODING"
	StateCompleted         EngineState = "COMPLETED"
	StateFailed            EngineState = "FAILED"
	StateCancelled         EngineState = "CANCELLED"
)

// Technologies requested per operation.
var (
	readTechs   = []Technology{TechNdef, TechMifareUltralight}
	writeTechs  = []Technology{TechNdef}
	formatTechs = []Technology{TechNdefFormatable, TechNdef, TechMifareUltralight}
	lockTechs   = []Technology{TechNdef, TechMifareUltralight}
)

// OperationResult is the only thing an operation exposes to its caller.
type OperationResult struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
	Category ErrorCategory `json:"category,omitempty"`
	Code     string        `json:"code,omitempty"`
	OpID     string        `json:"opId,omitempty"`
}

// TagContent is a decoded JSON payload. The reserved id is split off, the
// lock state is surfaced and the password is never returned.
type TagContent struct {
	ID     any            `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
	Locked bool           `json:"locked,omitempty"`
}

// Payload rebuilds the payload to write back, with the id re-attached.
func (c *TagContent) Payload() map[string]any {
	out := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		out[k] = v
	}
	if c.ID != nil {
		out[KeyID] = c.ID
	}
	return out
}

// TextContent is tag text that is not a JSON object.
type TextContent struct {
	Content string `json:"content"`
}

// EmptyTag is returned when a tag holds no meaningful records.
type EmptyTag struct {
	IsEmpty bool `json:"isEmpty"`
}

// FormatOutcome reports which format path succeeded.
type FormatOutcome struct {
	WasFormatted bool `json:"wasFormatted"`
	WasCleared   bool `json:"wasCleared"`
}

// WriteOutcome describes what was written.
type WriteOutcome struct {
	Bytes        int  `json:"bytes"`
	OriginalSize int  `json:"originalSize"`
	CompactSize  int  `json:"compactSize,omitempty"`
	Compacted    bool `json:"compacted"`
	Attempts     int  `json:"attempts"`
}

// LockOutcome names the lock strategy that ran.
type LockOutcome struct {
	Method string `json:"method"`
}

// Engine runs tag operations over a TagSession, one at a time.
type Engine struct {
	session TagSession
	policy  PlatformPolicy
	tracker *Tracker
	clock   Clock
	logger  *slog.Logger
	sealed  bool
	sem     *semaphore.Weighted

	mu      sync.Mutex
	state   EngineState
	current *opScope
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the platform policy.
func WithPolicy(p PlatformPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithTracker sets the operation tracker.
func WithTracker(t *Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithClock sets the clock used for retry delays.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSealedLocks makes convention locks encrypt the user fields under the
// password instead of leaving them readable.
func WithSealedLocks(enabled bool) Option {
	return func(e *Engine) { e.sealed = enabled }
}

// NewEngine creates an engine over session.
func NewEngine(session TagSession, opts ...Option) *Engine {
	e := &Engine{
		session: session,
		policy:  DesktopPolicy(),
		clock:   NewRealClock(),
		logger:  slog.Default(),
		sem:     semaphore.NewWeighted(1),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = NewTracker(WithTrackerClock(e.clock), WithTrackerLogger(e.logger))
	}
	return e
}

// State returns the current state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Policy returns the platform policy in use.
func (e *Engine) Policy() PlatformPolicy {
	return e.policy
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateCancelled && s != StateIdle && s != StateRequestingSession {
		return
	}
	e.state = s
}

// opScope is one acquired session. release runs at most once whichever of
// the operation or Cancel gets there first.
type opScope struct {
	e         *Engine
	ctx       context.Context
	cancel    context.CancelFunc
	id        string
	typ       OperationType
	once      sync.Once
	cancelled atomic.Bool
	tag       *TagDescriptor
}

func (s *opScope) step(name string, data map[string]any) {
	s.e.tracker.LogStep(s.id, name, data)
}

func (s *opScope) release() {
	s.once.Do(func() {
		if err := s.e.session.CancelTechnologyRequest(); err != nil && !s.cancelled.Load() {
			s.e.logger.Warn("session release failed", "op_id", s.id, "error", err)
		}
		s.step("session_released", nil)
	})
}

type operationFunc func(s *opScope) (data any, summary map[string]any, err error)

// run wraps body in the scoped session acquisition every operation shares:
// exclusivity, tracking, technology request, tag lookup, guaranteed release
// and conversion of the outcome into a result.
func (e *Engine) run(ctx context.Context, typ OperationType, techs []Technology, metadata map[string]any, body operationFunc) OperationResult {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &opScope{e: e, ctx: opCtx, cancel: cancel, typ: typ}

	// The scope is published in the same critical section that takes the
	// semaphore, so a Cancel either finds it or ran before the call.
	e.mu.Lock()
	if !e.sem.TryAcquire(1) {
		e.mu.Unlock()
		e.logger.Info("operation rejected, engine busy", "op_type", typ)
		return failureResult("", ErrBusy, CategoryHardwareNotAvailable)
	}
	s.id = e.tracker.Start(opCtx, typ, metadata)
	e.state = StateRequestingSession
	e.current = s
	e.mu.Unlock()
	defer e.sem.Release(1)

	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.release()
			e.tracker.EndWithError(s.id, fmt.Errorf("panic during %s: %v", typ, r), CategoryUnknown)
			e.setState(StateFailed)
			panic(r)
		}
	}()

	data, summary, err := e.acquire(s, techs, body)
	s.release()

	// Retire the scope before deciding the outcome; a Cancel after this
	// point is a no-op, one before it turns any outcome into cancellation.
	e.mu.Lock()
	e.current = nil
	cancelled := s.cancelled.Load()
	e.mu.Unlock()

	if cancelled {
		if err == nil {
			s.step("completed_after_cancel", summary)
		}
		err = withCause(ErrCancelled, string(typ), err)
	}
	if err != nil {
		category := Classify(err)
		e.tracker.EndWithError(s.id, err, category)
		if category == CategoryCancelled {
			e.setState(StateCancelled)
		} else {
			e.setState(StateFailed)
		}
		return failureResult(s.id, err, category)
	}

	e.tracker.End(s.id, summary)
	e.setState(StateCompleted)
	return OperationResult{Success: true, Data: data, OpID: s.id}
}

func (e *Engine) acquire(s *opScope, techs []Technology, body operationFunc) (any, map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(s.ctx, e.policy.TechnologyTimeout)
	err := e.session.RequestTechnology(reqCtx, techs, RequestOptions{
		AlertMessage: "Hold your device near the NFC tag",
		Timeout:      e.policy.TechnologyTimeout,
	})
	timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && !s.cancelled.Load() {
			return nil, nil, NewError(CategoryTimeout, "RequestTechnology", "no tag presented before timeout", err)
		}
		return nil, nil, platformError("RequestTechnology", err, CategoryUnknown)
	}
	s.step("technology_acquired", map[string]any{"techs": fmt.Sprint(techs)})

	tag, err := e.session.GetTag(s.ctx)
	if err != nil {
		return nil, nil, platformError("GetTag", err, CategoryTagNotDetected)
	}
	if tag == nil {
		return nil, nil, withCause(ErrTagNotDetected, "GetTag", nil)
	}
	s.tag = tag
	e.setState(StateTagAcquired)
	s.step("tag_detected", map[string]any{
		"uid":         tag.UID(),
		"tech_types":  fmt.Sprint(tag.TechTypes),
		"max_size":    tag.MaxSize,
		"is_writable": tag.IsWritable,
	})

	return body(s)
}

// Cancel aborts the in-flight operation. The flag is set first so the
// errors caused by tearing the session down are reported as cancellation.
// It is a no-op when nothing is running.
func (e *Engine) Cancel() {
	e.mu.Lock()
	s := e.current
	if s != nil {
		e.state = StateCancelled
		s.cancelled.Store(true)
	}
	e.mu.Unlock()
	if s == nil {
		return
	}

	s.step("cancel_requested", nil)
	s.cancel()
	s.release()
}

// rejectEarly tracks an operation that fails validation before any session
// is requested.
func (e *Engine) rejectEarly(ctx context.Context, typ OperationType, err *NFCError) OperationResult {
	id := e.tracker.Start(ctx, typ, nil)
	e.tracker.EndWithError(id, err, err.Category)
	return failureResult(id, err, err.Category)
}

func failureResult(id string, err error, category ErrorCategory) OperationResult {
	res := OperationResult{
		Success:  false,
		Error:    category.Message(),
		Category: category,
		Code:     string(category),
		OpID:     id,
	}
	var ne *NFCError
	if errors.As(err, &ne) && ne.Category == category {
		res.Error = ne.UserMessage()
		if ne.Code != "" {
			res.Code = ne.Code
		}
	}
	return res
}

// platformError converts a session error into an NFCError, keeping typed
// errors as they are. fallback replaces UNKNOWN.
func platformError(op string, err error, fallback ErrorCategory) error {
	var ne *NFCError
	if errors.As(err, &ne) {
		return err
	}
	category := Classify(err)
	if category == CategoryUnknown && fallback != "" {
		category = fallback
	}
	return NewError(category, op, "platform call failed", err)
}

// retry runs fn up to retries+1 times with the policy delay in between.
// Only errors accepted by retryable are retried.
func (e *Engine) retry(s *opScope, name string, retries int, retryable func(error) bool, fn func() error) (int, error) {
	attempts := 0
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.policy.RetryDelay), uint64(retries)),
		s.ctx,
	)
	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		err := fn()
		if err != nil && (s.cancelled.Load() || !retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		s.step(name+"_retry", map[string]any{
			"attempt":  attempts,
			"error":    err.Error(),
			"delay_ms": d.Milliseconds(),
		})
	}, &backoffTimer{clock: e.clock})
	return attempts, err
}

func isTransient(err error) bool {
	return Classify(err).IsTransient()
}

// isPermanentWriteError marks failures retrying a write cannot fix.
func isPermanentWriteError(err error) bool {
	switch Classify(err) {
	case CategoryCancelled, CategoryTagReadOnly, CategoryCapacityExceeded, CategoryHardwareNotAvailable:
		return true
	}
	return false
}

// tagState is what a read found on the tag.
type tagState struct {
	empty   bool
	text    TextDecoding
	payload TagPayload // nil unless the text is a JSON object
}

// readContent reads and decodes the tag's NDEF content, falling back to raw
// page reads on Ultralight-class tags whose platform stack reports no NDEF.
func (e *Engine) readContent(s *opScope) (*tagState, error) {
	e.setState(StateDecoding)

	var raw []byte
	attempts, err := e.retry(s, "read_ndef", e.policy.TransientRetries, isTransient, func() error {
		var rerr error
		raw, rerr = e.session.ReadNdef(s.ctx)
		return rerr
	})
	if err != nil {
		return nil, platformError("ReadNdef", err, CategoryReadFailed)
	}
	s.step("ndef_read", map[string]any{"bytes": len(raw), "attempts": attempts})

	if len(raw) == 0 && s.tag.IsUltralightClass() {
		if tr, ok := e.session.(Transceiver); ok {
			pages, perr := e.readUltralightNDEF(s, tr)
			if perr != nil {
				var ne *NFCError
				if s.ctx.Err() != nil || (errors.As(perr, &ne) && ne.Category == CategoryInvalidData) {
					return nil, perr
				}
				s.step("ultralight_read_failed", map[string]any{"error": perr.Error()})
			}
			raw = pages
		}
	}

	records, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	records = meaningfulRecords(records)
	if len(records) == 0 {
		s.step("tag_empty", nil)
		return &tagState{empty: true}, nil
	}

	st := &tagState{text: recordText(records)}
	s.step("text_decoded", map[string]any{
		"strategy": st.text.Strategy,
		"utf16":    st.text.UTF16,
		"records":  len(records),
	})

	if LooksLikeJSON(st.text.Text) {
		repaired, ok := RepairJSON(st.text.Text)
		if ok {
			if p, perr := ParsePayload(repaired); perr == nil {
				st.payload = p
				s.step("json_parsed", map[string]any{"repaired": repaired != st.text.Text, "fields": len(p)})
				return st, nil
			}
		}
		s.step("json_unrecoverable", nil)
	}
	return st, nil
}

// Read returns the tag's content.
func (e *Engine) Read(ctx context.Context) OperationResult {
	return e.run(ctx, OpRead, readTechs, nil, func(s *opScope) (any, map[string]any, error) {
		st, err := e.readContent(s)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case st.empty:
			return &EmptyTag{IsEmpty: true}, map[string]any{"empty": true}, nil
		case st.payload != nil:
			content := &TagContent{
				ID:     st.payload[KeyID],
				Fields: st.payload.Fields(),
				Locked: st.payload.IsLocked(),
			}
			return content, map[string]any{"fields": len(content.Fields), "locked": content.Locked}, nil
		default:
			return &TextContent{Content: st.text.Text}, map[string]any{"text": true}, nil
		}
	})
}

// Write replaces the tag content with payload. A reserved id is written
// back verbatim.
func (e *Engine) Write(ctx context.Context, payload map[string]any) OperationResult {
	if len(payload) == 0 {
		return e.rejectEarly(ctx, OpWrite, withCause(ErrEmptyPayload, "Write", nil))
	}
	normalized, err := NormalizePayload(payload)
	if err != nil {
		return e.rejectEarly(ctx, OpWrite, NewError(CategoryInvalidData, "Write", "payload cannot be stored", err))
	}

	return e.run(ctx, OpWrite, writeTechs, map[string]any{"fields": len(normalized)}, func(s *opScope) (any, map[string]any, error) {
		if !s.tag.IsWritable {
			return nil, nil, NewError(CategoryTagReadOnly, "Write", "tag is not writable", nil)
		}
		out, err := e.writePayload(s, normalized)
		if err != nil {
			return nil, nil, err
		}
		return out, map[string]any{"bytes": out.Bytes, "compacted": out.Compacted}, nil
	})
}

// writePayload fits payload to the tag and writes it.
func (e *Engine) writePayload(s *opScope, payload TagPayload) (*WriteOutcome, error) {
	e.setState(StateEncoding)
	plan, err := PlanCapacity(payload, s.tag.MaxSize)
	if err != nil {
		s.step("capacity_exceeded", map[string]any{"max_size": s.tag.MaxSize, "error": err.Error()})
		return nil, err
	}
	s.step("capacity_planned", map[string]any{
		"original_size": plan.OriginalSize,
		"compact_size":  plan.CompactSize,
		"compacted":     plan.Compacted,
		"max_size":      s.tag.MaxSize,
	})

	attempts, err := e.writeMessage(s, plan.Message)
	if err != nil {
		return nil, err
	}
	return &WriteOutcome{
		Bytes:        len(plan.Message),
		OriginalSize: plan.OriginalSize,
		CompactSize:  plan.CompactSize,
		Compacted:    plan.Compacted,
		Attempts:     attempts,
	}, nil
}

// writeMessage writes msg, retrying on platforms with flaky writes.
func (e *Engine) writeMessage(s *opScope, msg []byte) (int, error) {
	retryable := func(err error) bool { return !isPermanentWriteError(err) }
	attempts, err := e.retry(s, "write_ndef", e.policy.WriteAttempts-1, retryable, func() error {
		return e.session.WriteNdef(s.ctx, msg)
	})
	if err == nil {
		s.step("ndef_written", map[string]any{"bytes": len(msg), "attempts": attempts})
		return attempts, nil
	}
	if s.cancelled.Load() || isPermanentWriteError(err) || attempts < 2 {
		return attempts, platformError("WriteNdef", err, CategoryWriteFailed)
	}
	return attempts, NewError(CategoryWriteFailed, "WriteNdef", fmt.Sprintf("write failed after %d attempts", attempts), err)
}

// Format initialises blank NDEF storage or, failing that, clears an NDEF tag.
func (e *Engine) Format(ctx context.Context) OperationResult {
	return e.run(ctx, OpFormat, formatTechs, nil, func(s *opScope) (any, map[string]any, error) {
		e.setState(StateEncoding)
		empty, err := EncodeMessage([]NDEFRecord{EmptyRecord()})
		if err != nil {
			return nil, nil, err
		}

		formatErr := e.formatBlank(s, empty)
		if formatErr == nil {
			return &FormatOutcome{WasFormatted: true}, map[string]any{"path": "format"}, nil
		}
		if s.cancelled.Load() {
			return nil, nil, formatErr
		}
		if IsNotSupportedError(formatErr) {
			s.step("format_path_unavailable", nil)
		} else {
			s.step("format_path_failed", map[string]any{"error": formatErr.Error()})
		}

		if !s.tag.IsWritable {
			return nil, nil, withCause(ErrFormatFailed, "Format", NewError(CategoryTagReadOnly, "Format", "tag is not writable", formatErr))
		}
		if _, err := e.writeMessage(s, empty); err != nil {
			if s.cancelled.Load() {
				return nil, nil, err
			}
			return nil, nil, withCause(ErrFormatFailed, "Format", err)
		}
		return &FormatOutcome{WasCleared: true}, map[string]any{"path": "clear"}, nil
	})
}

// formatBlank runs the formatter path: the platform formatter when the tag
// offers NdefFormatable, raw capability container setup on blank
// Ultralight-class tags otherwise.
func (e *Engine) formatBlank(s *opScope, empty []byte) error {
	if f, ok := e.session.(NdefFormatter); ok && s.tag.Has(TechNdefFormatable) {
		if err := f.FormatNdef(s.ctx, empty); err != nil {
			return platformError("FormatNdef", err, CategoryWriteFailed)
		}
		s.step("formatted_native", nil)
		return nil
	}
	if tr, ok := e.session.(Transceiver); ok && s.tag.IsUltralightClass() {
		return e.formatUltralight(s, tr)
	}
	return NewNotSupportedError("Format")
}

// Lock marks the tag as locked with password, using the hardware password
// feature when the policy allows it and the tag supports it.
func (e *Engine) Lock(ctx context.Context, password string) OperationResult {
	if password == "" {
		return e.rejectEarly(ctx, OpLock, withCause(ErrMissingPassword, "Lock", nil))
	}
	return e.run(ctx, OpLock, lockTechs, nil, func(s *opScope) (any, map[string]any, error) {
		st, err := e.readContent(s)
		switch {
		case err == nil:
		case s.ctx.Err() == nil && Classify(err) == CategoryInvalidData:
			// Undecodable content is replaced; only the lock keys are written.
			s.step("content_undecodable", map[string]any{"error": err.Error()})
			st = &tagState{empty: true}
		default:
			return nil, nil, err
		}
		strategies := e.lockStrategies(s)
		if len(strategies) == 0 {
			return nil, nil, withCause(ErrLockNotSupported, "Lock", nil)
		}
		for _, strategy := range strategies {
			locked, err := strategy.IsLocked(s, st)
			if err != nil {
				return nil, nil, err
			}
			if locked {
				return nil, nil, withCause(ErrAlreadyLocked, "Lock", nil)
			}
		}
		strategy := strategies[0]
		e.setState(StateEncoding)
		if err := strategy.Lock(s, st, password); err != nil {
			return nil, nil, err
		}
		return &LockOutcome{Method: strategy.Name()}, map[string]any{"method": strategy.Name()}, nil
	})
}

// Unlock removes the lock when password matches. On mismatch the tag is
// left untouched and the stored password is never revealed.
func (e *Engine) Unlock(ctx context.Context, password string) OperationResult {
	if password == "" {
		return e.rejectEarly(ctx, OpUnlock, withCause(ErrMissingPassword, "Unlock", nil))
	}
	return e.run(ctx, OpUnlock, lockTechs, nil, func(s *opScope) (any, map[string]any, error) {
		st, err := e.readContent(s)
		if err != nil {
			return nil, nil, err
		}
		strategies := e.lockStrategies(s)
		for _, strategy := range strategies {
			locked, err := strategy.IsLocked(s, st)
			if err != nil {
				return nil, nil, err
			}
			if !locked {
				continue
			}
			e.setState(StateEncoding)
			if err := strategy.Unlock(s, st, password); err != nil {
				return nil, nil, err
			}
			return &LockOutcome{Method: strategy.Name()}, map[string]any{"method": strategy.Name()}, nil
		}
		if len(strategies) == 0 {
			return nil, nil, withCause(ErrLockNotSupported, "Unlock", nil)
		}
		return nil, nil, withCause(ErrNotLocked, "Unlock", nil)
	})
}
