package nfc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var drill = map[string]any{"name": "Drill", "serial": "SN1"}

func testTag(maxSize int) *TagDescriptor {
	return &TagDescriptor{
		ID:         []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6},
		TechTypes:  []string{"Ndef"},
		MaxSize:    maxSize,
		IsWritable: true,
	}
}

func testPolicy() PlatformPolicy {
	p := AndroidPolicy()
	p.TechnologyTimeout = 2 * time.Second
	return p
}

type engineHarness struct {
	engine  *Engine
	tracker *Tracker
	clock   *FakeClock
	reports *recordingReporter
}

// newHarness builds an engine on a fake clock and fails the test if any
// started operation is left open.
func newHarness(t *testing.T, session TagSession, policy PlatformPolicy, opts ...Option) *engineHarness {
	t.Helper()
	tracker, clock, rep := newTestTracker()
	base := []Option{WithPolicy(policy), WithClock(clock), WithTracker(tracker), WithLogger(discardLogger())}
	h := &engineHarness{
		engine:  NewEngine(session, append(base, opts...)...),
		tracker: tracker,
		clock:   clock,
		reports: rep,
	}
	t.Cleanup(func() {
		assert.Zero(t, tracker.Active(), "operation left open")
	})
	return h
}

func messageText(t *testing.T, msg []byte) string {
	t.Helper()
	records, err := ParseMessage(msg)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	return DecodeText(records[0].Payload)
}

func stepNames(rec OperationRecord) []string {
	names := make([]string, len(rec.Steps))
	for i, s := range rec.Steps {
		names[i] = s.Name
	}
	return names
}

func requireFailure(t *testing.T, res OperationResult, category ErrorCategory, code string) {
	t.Helper()
	require.False(t, res.Success, "expected failure, got %+v", res)
	assert.Equal(t, category, res.Category)
	assert.Equal(t, code, res.Code)
	assert.NotEmpty(t, res.Error)
}

func TestEngine_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	h := newHarness(t, session, testPolicy())

	res := h.engine.Write(ctx, drill)
	require.True(t, res.Success, res.Error)
	out := res.Data.(*WriteOutcome)
	assert.False(t, out.Compacted)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, writeTechs, session.LastTechs)

	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content, ok := res.Data.(*TagContent)
	require.True(t, ok, "got %T", res.Data)
	assert.Equal(t, drill, content.Fields)
	assert.Nil(t, content.ID)
	assert.False(t, content.Locked)
	assert.Equal(t, readTechs, session.LastTechs)

	assert.Equal(t, 2, session.ReleaseCount())
	assert.Equal(t, StateCompleted, h.engine.State())

	records := h.reports.all()
	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.Equal(t, res.OpID, records[1].ID)
	assert.Contains(t, stepNames(records[1]), "session_released")
}

func TestEngine_WriteCompactsToFit(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(500))
	h := newHarness(t, session, testPolicy())

	res := h.engine.Write(ctx, bulkyPayload(10, 190))
	require.True(t, res.Success, res.Error)
	out := res.Data.(*WriteOutcome)
	assert.True(t, out.Compacted)
	assert.Greater(t, out.OriginalSize, 2000)
	assert.LessOrEqual(t, out.Bytes, 500)

	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	for k, v := range res.Data.(*TagContent).Fields {
		assert.Equal(t, strings.Repeat("x", 30)+"...", v, k)
	}
}

func TestEngine_WriteCapacityExceeded(t *testing.T) {
	session := NewMockSession(testTag(200))
	h := newHarness(t, session, testPolicy())

	res := h.engine.Write(context.Background(), bulkyPayload(10, 190))
	requireFailure(t, res, CategoryCapacityExceeded, string(CategoryCapacityExceeded))
	assert.Equal(t, CategoryCapacityExceeded.Message(), res.Error)
	assert.Zero(t, session.CallCount("WriteNdef"))

	rec := h.reports.last(t)
	assert.Contains(t, rec.Error.Message, "but tag holds 200")
	assert.Contains(t, stepNames(rec), "capacity_exceeded")
}

func TestEngine_WriteRejectedBeforeSession(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		code    string
	}{
		{"nil", nil, CodeEmptyPayload},
		{"empty", map[string]any{}, CodeEmptyPayload},
		{"not storable", map[string]any{"ratio": func() {}}, string(CategoryInvalidData)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(testTag(1024))
			h := newHarness(t, session, testPolicy())

			res := h.engine.Write(context.Background(), tt.payload)
			requireFailure(t, res, CategoryInvalidData, tt.code)
			assert.NotEmpty(t, res.OpID)
			assert.Zero(t, session.CallCount("RequestTechnology"))
			assert.Len(t, h.reports.all(), 1)
		})
	}
}

func TestEngine_WriteReadOnlyTag(t *testing.T) {
	tag := testTag(1024)
	tag.IsWritable = false
	session := NewMockSession(tag)
	h := newHarness(t, session, testPolicy())

	res := h.engine.Write(context.Background(), drill)
	requireFailure(t, res, CategoryTagReadOnly, string(CategoryTagReadOnly))
	assert.Zero(t, session.CallCount("WriteNdef"))
	assert.Equal(t, 1, session.ReleaseCount())
}

func TestEngine_WriteRetries(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.WriteErrors = []error{errors.New("Tag was lost"), errors.New("Tag was lost")}
	h := newHarness(t, session, IOSPolicy())

	res := h.engine.Write(context.Background(), drill)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Data.(*WriteOutcome).Attempts)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond}, h.clock.Waits())

	rec := h.reports.last(t)
	assert.Equal(t, 2, countSteps(rec, "write_ndef_retry"))
	assert.GreaterOrEqual(t, rec.Duration(), 600*time.Millisecond)
}

func TestEngine_WriteFailsAfterAllAttempts(t *testing.T) {
	session := NewMockSession(testTag(1024))
	lost := errors.New("Tag was lost")
	session.WriteErrors = []error{lost, lost, lost}
	h := newHarness(t, session, IOSPolicy())

	res := h.engine.Write(context.Background(), drill)
	requireFailure(t, res, CategoryWriteFailed, string(CategoryWriteFailed))
	assert.Equal(t, 3, session.CallCount("WriteNdef"))
	assert.Contains(t, h.reports.last(t).Error.Message, "write failed after 3 attempts")
}

func TestEngine_WriteNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		policy   PlatformPolicy
		err      error
		category ErrorCategory
	}{
		{"read only on ios", IOSPolicy(), errors.New("tag is read only"), CategoryTagReadOnly},
		{"capacity on ios", IOSPolicy(), errors.New("message exceeds tag capacity"), CategoryCapacityExceeded},
		{"single attempt keeps category", testPolicy(), errors.New("Tag was lost"), CategoryConnectionLost},
		{"unclassified becomes write failure", testPolicy(), errors.New("E_0x17"), CategoryWriteFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(testTag(1024))
			session.WriteErrors = []error{tt.err}
			h := newHarness(t, session, tt.policy)

			res := h.engine.Write(context.Background(), drill)
			requireFailure(t, res, tt.category, string(tt.category))
			assert.Equal(t, 1, session.CallCount("WriteNdef"))
		})
	}
}

func countSteps(rec OperationRecord, name string) int {
	n := 0
	for _, s := range rec.Steps {
		if s.Name == name {
			n++
		}
	}
	return n
}

func TestEngine_ReadEmpty(t *testing.T) {
	emptyMsg, err := EncodeMessage([]NDEFRecord{EmptyRecord(), EmptyRecord()})
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  []byte
	}{
		{"no ndef", nil},
		{"zero length", []byte{}},
		{"only empty records", emptyMsg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(testTag(1024))
			session.Message = tt.msg
			h := newHarness(t, session, testPolicy())

			res := h.engine.Read(context.Background())
			require.True(t, res.Success, res.Error)
			assert.Equal(t, &EmptyTag{IsEmpty: true}, res.Data)
		})
	}
}

func TestEngine_ReadContent(t *testing.T) {
	tests := []struct {
		name string
		text string
		want any
	}{
		{"plain text", "hello", &TextContent{Content: "hello"}},
		{"smart quotes repaired", `{“name”: “Drill”}`, &TagContent{Fields: map[string]any{"name": "Drill"}}},
		{"unterminated value repaired", `{"name":"Drill}`, &TagContent{Fields: map[string]any{"name": "Drill"}}},
		{"unrepairable json", `{broken}`, &TextContent{Content: `{broken}`}},
		{"json array", `[1,2]`, &TextContent{Content: `[1,2]`}},
		{"locked flag", `{"name":"Drill","locked":true,"password":"pw1"}`, &TagContent{Fields: map[string]any{"name": "Drill"}, Locked: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(testTag(1024))
			require.NoError(t, session.SetText(tt.text))
			h := newHarness(t, session, testPolicy())

			res := h.engine.Read(context.Background())
			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.want, res.Data)
		})
	}
}

func TestEngine_ReadMalformedMessage(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.Message = []byte{0xD1, 0x01, 0x09, 'T', 0x82}
	h := newHarness(t, session, testPolicy())

	res := h.engine.Read(context.Background())
	requireFailure(t, res, CategoryInvalidData, string(CategoryInvalidData))
	assert.Equal(t, StateFailed, h.engine.State())
}

func TestEngine_IDRoundTrip(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	require.NoError(t, session.SetText(`{"id":12345678901234567890,"name":"Drill"}`))
	h := newHarness(t, session, testPolicy())

	res := h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content := res.Data.(*TagContent)
	assert.Equal(t, json.Number("12345678901234567890"), content.ID)
	assert.Equal(t, map[string]any{"name": "Drill"}, content.Fields)

	content.Fields["name"] = "Hammer"
	res = h.engine.Write(ctx, content.Payload())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, `{"id":12345678901234567890,"name":"Hammer"}`, messageText(t, session.CurrentMessage()))
}

func TestEngine_ReadRetriesTransientErrors(t *testing.T) {
	session := NewMockSession(testTag(1024))
	require.NoError(t, session.SetText("hello"))
	session.ReadErrors = []error{errors.New("Tag was lost")}
	h := newHarness(t, session, testPolicy())

	res := h.engine.Read(context.Background())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, session.CallCount("ReadNdef"))
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, h.clock.Waits())
}

func TestEngine_ReadDoesNotRetryOtherErrors(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.ReadErrors = []error{errors.New("readNdef failed: status 6A82")}
	h := newHarness(t, session, testPolicy())

	res := h.engine.Read(context.Background())
	requireFailure(t, res, CategoryReadFailed, string(CategoryReadFailed))
	assert.Equal(t, 1, session.CallCount("ReadNdef"))
}

func TestEngine_SessionFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*MockSession, *PlatformPolicy)
		category ErrorCategory
	}{
		{
			name:     "no tag",
			setup:    func(s *MockSession, _ *PlatformPolicy) { s.Tag = nil },
			category: CategoryTagNotDetected,
		},
		{
			name:     "nfc disabled",
			setup:    func(s *MockSession, _ *PlatformPolicy) { s.RequestError = errors.New("NFC is not enabled") },
			category: CategoryHardwareNotAvailable,
		},
		{
			name: "request timeout",
			setup: func(s *MockSession, p *PlatformPolicy) {
				s.BlockRequest = true
				p.TechnologyTimeout = 20 * time.Millisecond
			},
			category: CategoryTimeout,
		},
		{
			name:     "get tag fails",
			setup:    func(s *MockSession, _ *PlatformPolicy) { s.GetTagError = errors.New("tag connection reset") },
			category: CategoryConnectionLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(testTag(1024))
			policy := testPolicy()
			tt.setup(session, &policy)
			h := newHarness(t, session, policy)

			res := h.engine.Read(context.Background())
			requireFailure(t, res, tt.category, string(tt.category))
			assert.Equal(t, 1, session.ReleaseCount())
			assert.Equal(t, StateFailed, h.engine.State())
		})
	}
}

func TestEngine_CancelDuringRequest(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.BlockRequest = true
	h := newHarness(t, session, testPolicy())

	done := make(chan OperationResult, 1)
	go func() { done <- h.engine.Read(context.Background()) }()

	<-session.RequestStarted()
	h.engine.Cancel()

	var res OperationResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after cancel")
	}

	requireFailure(t, res, CategoryCancelled, string(CategoryCancelled))
	assert.Equal(t, CategoryCancelled.Message(), res.Error)
	assert.Equal(t, 1, session.ReleaseCount())
	assert.Equal(t, StateCancelled, h.engine.State())

	rec := h.reports.last(t)
	assert.Equal(t, CategoryCancelled, rec.Error.Category)
	assert.Contains(t, stepNames(rec), "cancel_requested")
}

func TestEngine_CancelWhenIdle(t *testing.T) {
	session := NewMockSession(testTag(1024))
	h := newHarness(t, session, testPolicy())

	assert.NotPanics(t, h.engine.Cancel)
	assert.Equal(t, StateIdle, h.engine.State())
	assert.Zero(t, session.ReleaseCount())
	assert.Empty(t, h.reports.all())
}

// gatedSession blocks one NDEF call until proceed is closed, then lets it
// complete against the wrapped mock.
type gatedSession struct {
	*MockSession
	gateWrite bool
	entered   chan struct{}
	proceed   chan struct{}
}

func newGatedSession(tag *TagDescriptor, gateWrite bool) *gatedSession {
	return &gatedSession{
		MockSession: NewMockSession(tag),
		gateWrite:   gateWrite,
		entered:     make(chan struct{}),
		proceed:     make(chan struct{}),
	}
}

func (g *gatedSession) ReadNdef(ctx context.Context) ([]byte, error) {
	if !g.gateWrite {
		close(g.entered)
		<-g.proceed
	}
	return g.MockSession.ReadNdef(ctx)
}

func (g *gatedSession) WriteNdef(ctx context.Context, msg []byte) error {
	if g.gateWrite {
		close(g.entered)
		<-g.proceed
	}
	return g.MockSession.WriteNdef(ctx, msg)
}

func TestEngine_CancelWinsOverLateSuccess(t *testing.T) {
	tests := []struct {
		name      string
		gateWrite bool
		op        func(e *Engine) OperationResult
	}{
		{
			name: "read",
			op:   func(e *Engine) OperationResult { return e.Read(context.Background()) },
		},
		{
			name:      "write",
			gateWrite: true,
			op:        func(e *Engine) OperationResult { return e.Write(context.Background(), drill) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newGatedSession(testTag(1024), tt.gateWrite)
			require.NoError(t, session.SetText(`{"name":"Drill"}`))
			h := newHarness(t, session, testPolicy())

			done := make(chan OperationResult, 1)
			go func() { done <- tt.op(h.engine) }()

			<-session.entered
			h.engine.Cancel()
			close(session.proceed)

			var res OperationResult
			select {
			case res = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("operation did not return")
			}

			requireFailure(t, res, CategoryCancelled, string(CategoryCancelled))
			assert.Nil(t, res.Data)
			assert.Equal(t, StateCancelled, h.engine.State())
			assert.Equal(t, 1, session.ReleaseCount())

			rec := h.reports.last(t)
			assert.False(t, rec.Success)
			require.Contains(t, stepNames(rec), "completed_after_cancel")
			if tt.gateWrite {
				// The tag was written; the record keeps that fact.
				assert.Len(t, session.Writes, 1)
				for _, st := range rec.Steps {
					if st.Name == "completed_after_cancel" {
						assert.NotZero(t, st.Data["bytes"])
					}
				}
			}
		})
	}
}

// startGate holds the first span start, which the tracker opens while the
// engine is setting up an operation.
type startGate struct {
	once    sync.Once
	entered chan struct{}
	proceed chan struct{}
}

func (g *startGate) OnStart(context.Context, sdktrace.ReadWriteSpan) {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
}

func (g *startGate) OnEnd(sdktrace.ReadOnlySpan) {}

func (g *startGate) Shutdown(context.Context) error { return nil }

func (g *startGate) ForceFlush(context.Context) error { return nil }

func TestEngine_CancelDuringSetupIsNotLost(t *testing.T) {
	gate := &startGate{entered: make(chan struct{}), proceed: make(chan struct{})}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(gate))
	tracker, clock, rep := newTestTracker(WithTracerProvider(provider))
	t.Cleanup(func() { assert.Zero(t, tracker.Active(), "operation left open") })

	session := NewMockSession(testTag(1024))
	session.BlockRequest = true
	engine := NewEngine(session, WithPolicy(testPolicy()), WithClock(clock), WithTracker(tracker), WithLogger(discardLogger()))

	done := make(chan OperationResult, 1)
	go func() { done <- engine.Read(context.Background()) }()
	<-gate.entered

	cancelled := make(chan struct{})
	go func() {
		engine.Cancel()
		close(cancelled)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.proceed)

	var res OperationResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after cancel")
	}
	<-cancelled

	requireFailure(t, res, CategoryCancelled, string(CategoryCancelled))
	assert.Equal(t, StateCancelled, engine.State())
	assert.Contains(t, stepNames(rep.last(t)), "cancel_requested")
}

func TestEngine_CallerContextCancelled(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.BlockRequest = true
	h := newHarness(t, session, testPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-session.RequestStarted()
		cancel()
	}()

	res := h.engine.Read(ctx)
	requireFailure(t, res, CategoryCancelled, string(CategoryCancelled))
	assert.Equal(t, 1, session.ReleaseCount())
}

func TestEngine_Busy(t *testing.T) {
	session := NewMockSession(testTag(1024))
	session.BlockRequest = true
	h := newHarness(t, session, testPolicy())

	done := make(chan OperationResult, 1)
	go func() { done <- h.engine.Read(context.Background()) }()
	<-session.RequestStarted()

	res := h.engine.Write(context.Background(), drill)
	requireFailure(t, res, CategoryHardwareNotAvailable, CodeBusy)
	assert.Empty(t, res.OpID)

	h.engine.Cancel()
	first := <-done
	assert.Equal(t, CategoryCancelled, first.Category)

	assert.Len(t, h.reports.all(), 1, "rejected operation is not tracked")
	assert.Equal(t, 1, session.CallCount("RequestTechnology"))
}

func TestEngine_ReleaseErrorDoesNotMaskResult(t *testing.T) {
	session := NewMockSession(testTag(1024))
	require.NoError(t, session.SetText("hello"))
	session.ReleaseError = errors.New("session already closed")
	h := newHarness(t, session, testPolicy())

	res := h.engine.Read(context.Background())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &TextContent{Content: "hello"}, res.Data)
}

type panicSession struct {
	*MockSession
}

func (p panicSession) GetTag(context.Context) (*TagDescriptor, error) {
	panic("driver crashed")
}

func TestEngine_PanicReleasesSession(t *testing.T) {
	mock := NewMockSession(testTag(1024))
	h := newHarness(t, panicSession{mock}, testPolicy())

	assert.PanicsWithValue(t, "driver crashed", func() {
		h.engine.Read(context.Background())
	})

	assert.Equal(t, 1, mock.ReleaseCount())
	assert.Equal(t, StateFailed, h.engine.State())
	assert.Equal(t, CategoryUnknown, h.reports.last(t).Error.Category)

	require.True(t, h.engine.sem.TryAcquire(1), "engine must accept new operations")
	h.engine.sem.Release(1)
}

func TestEngine_Format(t *testing.T) {
	emptyMsg := []byte{0xD0, 0x00, 0x00}

	t.Run("native formatter", func(t *testing.T) {
		tag := testTag(0)
		tag.TechTypes = []string{"NdefFormatable"}
		session := &MockFormatSession{MockSession: NewMockSession(tag)}
		h := newHarness(t, session, testPolicy())

		res := h.engine.Format(context.Background())
		require.True(t, res.Success, res.Error)
		assert.Equal(t, &FormatOutcome{WasFormatted: true}, res.Data)
		assert.Equal(t, emptyMsg, session.CurrentMessage())
		assert.Equal(t, formatTechs, session.LastTechs)
	})

	t.Run("formatter fails then clears", func(t *testing.T) {
		tag := testTag(1024)
		tag.TechTypes = []string{"NdefFormatable", "Ndef"}
		session := &MockFormatSession{MockSession: NewMockSession(tag), FormatError: errors.New("format rejected")}
		require.NoError(t, session.SetText("old"))
		h := newHarness(t, session, testPolicy())

		res := h.engine.Format(context.Background())
		require.True(t, res.Success, res.Error)
		assert.Equal(t, &FormatOutcome{WasCleared: true}, res.Data)
		assert.Equal(t, emptyMsg, session.CurrentMessage())
	})

	t.Run("ndef tag is cleared", func(t *testing.T) {
		session := NewMockSession(testTag(1024))
		require.NoError(t, session.SetText(`{"name":"Drill"}`))
		h := newHarness(t, session, testPolicy())

		res := h.engine.Format(context.Background())
		require.True(t, res.Success, res.Error)
		assert.Equal(t, &FormatOutcome{WasCleared: true}, res.Data)

		res = h.engine.Read(context.Background())
		require.True(t, res.Success, res.Error)
		assert.Equal(t, &EmptyTag{IsEmpty: true}, res.Data)
	})

	t.Run("no path", func(t *testing.T) {
		tag := testTag(0)
		tag.TechTypes = []string{"IsoDep"}
		tag.IsWritable = false
		session := NewMockSession(tag)
		h := newHarness(t, session, testPolicy())

		res := h.engine.Format(context.Background())
		requireFailure(t, res, CategoryUnknown, CodeFormatUnsupported)
		assert.Equal(t, codeMessages[CodeFormatUnsupported], res.Error)

		steps := stepNames(h.reports.last(t))
		assert.Contains(t, steps, "format_path_unavailable")
		assert.NotContains(t, steps, "format_path_failed")
	})

	t.Run("clear fails", func(t *testing.T) {
		session := NewMockSession(testTag(1024))
		session.WriteErrors = []error{errors.New("tag is read only")}
		h := newHarness(t, session, testPolicy())

		res := h.engine.Format(context.Background())
		requireFailure(t, res, CategoryUnknown, CodeFormatUnsupported)
	})
}

func TestEngine_LockUnlock(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	h := newHarness(t, session, testPolicy())

	require.True(t, h.engine.Write(ctx, drill).Success)

	res := h.engine.Lock(ctx, "pw1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &LockOutcome{Method: MethodNDEFConvention}, res.Data)

	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content := res.Data.(*TagContent)
	assert.True(t, content.Locked)
	assert.Equal(t, drill, content.Fields)

	before := session.CurrentMessage()
	writes := session.CallCount("WriteNdef")

	res = h.engine.Unlock(ctx, "wrong")
	requireFailure(t, res, CategoryInvalidData, CodePasswordMismatch)
	assert.NotContains(t, res.Error, "pw1")
	assert.Equal(t, before, session.CurrentMessage())
	assert.Equal(t, writes, session.CallCount("WriteNdef"))

	res = h.engine.Unlock(ctx, "pw1")
	require.True(t, res.Success, res.Error)

	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content = res.Data.(*TagContent)
	assert.False(t, content.Locked)
	assert.Equal(t, drill, content.Fields)
	assert.NotContains(t, messageText(t, session.CurrentMessage()), "password")
}

func TestEngine_LockPreservesPlainText(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	require.NoError(t, session.SetText("hello"))
	h := newHarness(t, session, testPolicy())

	require.True(t, h.engine.Lock(ctx, "pw1").Success)

	res := h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content := res.Data.(*TagContent)
	assert.True(t, content.Locked)
	assert.Equal(t, map[string]any{"content": "hello"}, content.Fields)

	require.True(t, h.engine.Unlock(ctx, "pw1").Success)

	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &TextContent{Content: "hello"}, res.Data)
	assert.Contains(t, stepNames(h.reports.last(t)), "text_restored")
}

func TestEngine_SealedLockPreservesPlainText(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	require.NoError(t, session.SetText("hello"))
	h := newHarness(t, session, testPolicy(), WithSealedLocks(true))

	require.True(t, h.engine.Lock(ctx, "pw1").Success)
	assert.NotContains(t, messageText(t, session.CurrentMessage()), "hello")

	require.True(t, h.engine.Unlock(ctx, "pw1").Success)

	res := h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &TextContent{Content: "hello"}, res.Data)
}

func TestEngine_LockUndecodableContent(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	session.Message = []byte{0xD1, 0x01, 0x40, 'T', 0x02}
	h := newHarness(t, session, testPolicy())

	res := h.engine.Lock(ctx, "pw1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &LockOutcome{Method: MethodNDEFConvention}, res.Data)
	assert.Contains(t, stepNames(h.reports.last(t)), "content_undecodable")

	stored, err := ParsePayload(messageText(t, session.CurrentMessage()))
	require.NoError(t, err)
	assert.Equal(t, TagPayload{KeyLocked: true, KeyPassword: "pw1"}, stored)

	require.True(t, h.engine.Unlock(ctx, "pw1").Success)
	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &EmptyTag{IsEmpty: true}, res.Data)
}

func TestEngine_UnlockEmptyLockClearsTag(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	h := newHarness(t, session, testPolicy())

	require.True(t, h.engine.Lock(ctx, "pw1").Success)
	require.True(t, h.engine.Unlock(ctx, "pw1").Success)

	res := h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, &EmptyTag{IsEmpty: true}, res.Data)
}

func TestEngine_LockErrors(t *testing.T) {
	readOnly := testTag(1024)
	readOnly.IsWritable = false

	tests := []struct {
		name     string
		tag      *TagDescriptor
		text     string
		op       func(e *Engine) OperationResult
		category ErrorCategory
		code     string
	}{
		{
			name:     "lock without password",
			tag:      testTag(1024),
			op:       func(e *Engine) OperationResult { return e.Lock(context.Background(), "") },
			category: CategoryInvalidData,
			code:     CodeMissingPassword,
		},
		{
			name:     "unlock without password",
			tag:      testTag(1024),
			op:       func(e *Engine) OperationResult { return e.Unlock(context.Background(), "") },
			category: CategoryInvalidData,
			code:     CodeMissingPassword,
		},
		{
			name:     "already locked",
			tag:      testTag(1024),
			text:     `{"name":"x","locked":true,"password":"a"}`,
			op:       func(e *Engine) OperationResult { return e.Lock(context.Background(), "b") },
			category: CategoryInvalidData,
			code:     CodeAlreadyLocked,
		},
		{
			name:     "not locked",
			tag:      testTag(1024),
			text:     `{"name":"x"}`,
			op:       func(e *Engine) OperationResult { return e.Unlock(context.Background(), "a") },
			category: CategoryInvalidData,
			code:     CodeNotLocked,
		},
		{
			name:     "lock on read-only tag",
			tag:      readOnly,
			op:       func(e *Engine) OperationResult { return e.Lock(context.Background(), "a") },
			category: CategoryHardwareNotAvailable,
			code:     CodeLockNotSupported,
		},
		{
			name:     "unlock on read-only tag",
			tag:      readOnly,
			op:       func(e *Engine) OperationResult { return e.Unlock(context.Background(), "a") },
			category: CategoryHardwareNotAvailable,
			code:     CodeLockNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewMockSession(tt.tag)
			if tt.text != "" {
				require.NoError(t, session.SetText(tt.text))
			}
			h := newHarness(t, session, testPolicy())

			res := tt.op(h.engine)
			requireFailure(t, res, tt.category, tt.code)
			assert.Zero(t, session.CallCount("WriteNdef"))
		})
	}
}

func TestEngine_SealedLock(t *testing.T) {
	ctx := context.Background()
	session := NewMockSession(testTag(1024))
	h := newHarness(t, session, testPolicy(), WithSealedLocks(true))

	payload := map[string]any{"id": 42, "name": "Drill", "serial": "SN1"}
	require.True(t, h.engine.Write(ctx, payload).Success)
	require.True(t, h.engine.Lock(ctx, "pw1").Success)

	stored := messageText(t, session.CurrentMessage())
	assert.NotContains(t, stored, "Drill")
	assert.NotContains(t, stored, `"pw1"`)
	assert.Contains(t, stored, `"password":"argon2id$`)

	res := h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content := res.Data.(*TagContent)
	assert.True(t, content.Locked)
	assert.Empty(t, content.Fields)
	assert.Equal(t, json.Number("42"), content.ID)

	res = h.engine.Unlock(ctx, "pw2")
	requireFailure(t, res, CategoryInvalidData, CodePasswordMismatch)

	require.True(t, h.engine.Unlock(ctx, "pw1").Success)
	res = h.engine.Read(ctx)
	require.True(t, res.Success, res.Error)
	content = res.Data.(*TagContent)
	assert.False(t, content.Locked)
	assert.Equal(t, drill, content.Fields)
	assert.Equal(t, json.Number("42"), content.ID)
}

func TestFailureResult(t *testing.T) {
	res := failureResult("op_1_0", errors.New("tag was lost"), CategoryConnectionLost)
	assert.Equal(t, OperationResult{
		Error:    CategoryConnectionLost.Message(),
		Category: CategoryConnectionLost,
		Code:     "CONNECTION_LOST",
		OpID:     "op_1_0",
	}, res)

	res = failureResult("", withCause(ErrBusy, "Read", nil), CategoryHardwareNotAvailable)
	assert.Equal(t, CodeBusy, res.Code)
	assert.Equal(t, codeMessages[CodeBusy], res.Error)
}
