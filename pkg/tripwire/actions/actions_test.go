package actions

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

type recordingHandler struct {
	actions []Action
	err     error
}

func (h *recordingHandler) Handle(action Action) error {
	h.actions = append(h.actions, action)
	return h.err
}

func testAction(detector string, ts time.Time) Action {
	return Action{
		Type:          AlertAction,
		Detector:      detector,
		Message:       "Threshold " + detector + " reached",
		Severity:      "high",
		Timestamp:     ts,
		Count:         6,
		Threshold:     5,
		WindowSeconds: 120,
	}
}

func TestActionRegistry_NoHandlers(t *testing.T) {
	r := NewActionRegistry()
	err := r.ExecuteAction(testAction("x", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handlers registered")
}

func TestActionRegistry_RunsEveryHandlerAndJoinsErrors(t *testing.T) {
	r := NewActionRegistry()
	first := &recordingHandler{err: errors.New("first broke")}
	second := &recordingHandler{}
	third := &recordingHandler{err: errors.New("third broke")}
	r.RegisterHandler(AlertAction, first)
	r.RegisterHandler(AlertAction, second)
	r.RegisterHandler(AlertAction, third)

	err := r.ExecuteAction(testAction("errors", time.Now()))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Len(t, first.actions, 1)
	assert.Len(t, second.actions, 1)
	assert.Len(t, third.actions, 1)
}

func TestActionRegistry_CreateAction(t *testing.T) {
	r := NewActionRegistry()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := r.CreateAction(AlertAction, "hello", "det", at)
	assert.Equal(t, AlertAction, a.Type)
	assert.Equal(t, "det", a.Detector)
	assert.Equal(t, "hello", a.Message)
	assert.Equal(t, at, a.Timestamp)
}

func TestConsoleAlertHandler(t *testing.T) {
	var buf bytes.Buffer
	h := &ConsoleAlertHandler{Out: &buf}
	ts := time.Date(2024, 3, 1, 13, 4, 5, 0, time.UTC)

	require.NoError(t, h.Handle(testAction("errors", ts)))
	assert.Equal(t, "[13:04:05] ALERT [errors]: Threshold errors reached\n", buf.String())
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewLogHandler(zap.New(core))

	require.NoError(t, h.Handle(testAction("errors", time.Now())))

	entries := logs.FilterMessage("Threshold reached").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "errors", fields["detector"])
	assert.Equal(t, int64(6), fields["count"])
	assert.Equal(t, int64(5), fields["threshold"])
	assert.Equal(t, int64(120), fields["window_seconds"])
}

func TestLogHandler_NilLogger(t *testing.T) {
	assert.NoError(t, NewLogHandler(nil).Handle(testAction("x", time.Now())))
}

func TestDashboardHandler(t *testing.T) {
	var gotType, gotDetector string
	var gotData interface{}
	h := NewDashboardHandler(func(eventType, message, detector string, data interface{}) {
		gotType, gotDetector, gotData = eventType, detector, data
	})

	require.NoError(t, h.Handle(testAction("errors", time.Now())))
	assert.Equal(t, "alert", gotType)
	assert.Equal(t, "errors", gotDetector)
	data, ok := gotData.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "high", data["severity"])
}

func TestRateLimitHandler_PerDetector(t *testing.T) {
	next := &recordingHandler{}
	h := NewRateLimitHandler(next, rate.Every(time.Hour), 2)
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Handle(testAction("a", now)))
	}
	require.NoError(t, h.Handle(testAction("b", now)))

	assert.Len(t, next.actions, 3)
	assert.Equal(t, uint64(3), h.Suppressed("a"))
	assert.Equal(t, uint64(0), h.Suppressed("b"))
}

func TestDedupHandler_SameSecond(t *testing.T) {
	next := &recordingHandler{}
	h := NewDedupHandler(next)
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, h.Handle(testAction("a", base)))
	require.NoError(t, h.Handle(testAction("a", base.Add(300*time.Millisecond))))
	require.NoError(t, h.Handle(testAction("b", base)))
	require.NoError(t, h.Handle(testAction("a", base.Add(time.Second))))

	require.Len(t, next.actions, 3)
	assert.Equal(t, "a", next.actions[0].Detector)
	assert.Equal(t, "b", next.actions[1].Detector)
	assert.Equal(t, "a", next.actions[2].Detector)
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h ActionHandler = HandlerFunc(func(Action) error {
		called = true
		return nil
	})
	require.NoError(t, h.Handle(Action{}))
	assert.True(t, called)
}
