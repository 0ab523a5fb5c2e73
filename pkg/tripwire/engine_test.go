package tripwire

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chosenoffset/tripwire/pkg/tripwire/actions"
)

type actionRecorder struct {
	mu      sync.Mutex
	actions []actions.Action
}

func (r *actionRecorder) Handle(a actions.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func (r *actionRecorder) all() []actions.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actions.Action(nil), r.actions...)
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(append([]Option{WithoutDashboard()}, opts...)...)
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_AddDetector(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.AddDetector(paymentErrors(true)))
	assert.ErrorIs(t, e.AddDetector(paymentErrors(false)), ErrDuplicateDetector)
	assert.ErrorIs(t, e.AddDetector(DetectorConfig{Name: "bad"}), ErrInvalidConfig)

	d, ok := e.Detector("payment_errors")
	require.True(t, ok)
	assert.True(t, d.Config().ResetOnThreshold)
	assert.Len(t, e.Detectors(), 1)
}

func TestEngine_ResourceLimits(t *testing.T) {
	t.Run("DefaultLimits", func(t *testing.T) {
		limits := DefaultResourceLimits()
		assert.Equal(t, 100, limits.MaxDetectors)
		assert.Equal(t, 86400, limits.MaxWindowSeconds)
	})

	t.Run("MaxDetectors", func(t *testing.T) {
		e := newTestEngine(t, WithLimits(&ResourceLimits{MaxDetectors: 3, MaxWindowSeconds: 3600}))
		for i := 0; i < 3; i++ {
			require.NoError(t, e.AddDetector(DetectorConfig{Name: fmt.Sprintf("d%d", i), Threshold: 1, WindowSeconds: 10}))
		}
		err := e.AddDetector(DetectorConfig{Name: "excess", Threshold: 1, WindowSeconds: 10})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLimitExceeded))
		assert.Contains(t, err.Error(), "maximum number of detectors")

		require.True(t, e.RemoveDetector("d0"))
		assert.NoError(t, e.AddDetector(DetectorConfig{Name: "excess", Threshold: 1, WindowSeconds: 10}))
	})

	t.Run("MaxWindowSeconds", func(t *testing.T) {
		e := newTestEngine(t, WithLimits(&ResourceLimits{MaxDetectors: 10, MaxWindowSeconds: 60}))
		assert.NoError(t, e.AddDetector(DetectorConfig{Name: "minute", Threshold: 1, WindowSeconds: 60}))
		assert.ErrorIs(t, e.AddDetector(DetectorConfig{Name: "hour", Threshold: 1, WindowSeconds: 3600}), ErrLimitExceeded)
	})

	t.Run("CustomLimitsReported", func(t *testing.T) {
		limits := &ResourceLimits{MaxDetectors: 7, MaxWindowSeconds: 30}
		e := newTestEngine(t, WithLimits(limits))
		assert.Equal(t, limits, e.GetResourceLimits())
	})
}

func TestEngine_RemoveAndClear(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddDetector(paymentErrors(true)))
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "logins", Threshold: 3, WindowSeconds: 30}))

	assert.False(t, e.RemoveDetector("missing"))
	assert.True(t, e.RemoveDetector("payment_errors"))
	_, ok := e.Detector("payment_errors")
	assert.False(t, ok)
	require.Len(t, e.Detectors(), 1)
	assert.Equal(t, "logins", e.Detectors()[0].Name())

	e.ClearDetectors()
	assert.Empty(t, e.Detectors())
	assert.NoError(t, e.AddDetector(paymentErrors(true)))
}

func TestEngine_IngestFansOutAndRoutesAlerts(t *testing.T) {
	e := newTestEngine(t)
	rec := &actionRecorder{}
	e.RegisterHandler(actions.AlertAction, rec)

	require.NoError(t, e.AddDetector(paymentErrors(true)))
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "any_error", Threshold: 2, WindowSeconds: 10, ResetOnThreshold: true}))

	var fired []Alert
	for i := 0; i < 5; i++ {
		fired = append(fired, e.Ingest(Event{Timestamp: testStart})...)
	}

	// any_error fires on events 2 and 4, payment_errors on event 5.
	require.Len(t, fired, 3)
	assert.Equal(t, "any_error", fired[0].Detector)
	assert.Equal(t, "any_error", fired[1].Detector)
	assert.Equal(t, "payment_errors", fired[2].Detector)

	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, "payment_errors", got[2].Detector)
	assert.Equal(t, "high", got[2].Severity)
	assert.Equal(t, 5, got[2].Count)
	assert.Equal(t, testStart, got[2].Timestamp)

	alerts := e.Dashboard().Alerts()
	assert.Len(t, alerts, 3)
}

func TestEngine_HandlerErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newTestEngine(t, WithLogger(zap.New(core)))
	e.RegisterHandler(actions.AlertAction, actions.HandlerFunc(func(actions.Action) error {
		return errors.New("pager offline")
	}))
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "once", Threshold: 1, WindowSeconds: 5}))

	assert.Len(t, e.Ingest(Event{Timestamp: testStart}), 1)

	entries := logs.FilterMessage("Alert handler failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "once", entries[0].ContextMap()["detector"])
}

func TestEngine_StartStop(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.IsRunning())

	e.Start()
	e.Start()
	assert.True(t, e.IsRunning())

	e.Stop()
	e.Stop()
	assert.False(t, e.IsRunning())

	e.Start()
	assert.False(t, e.IsRunning(), "a stopped engine does not restart")
}

func TestEngine_AttachOnStart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	e := newTestEngine(t, WithClock(clock), WithAttachOnStart(true))
	require.NoError(t, e.AddDetector(paymentErrors(true)))

	e.Start()
	clock.Advance(30 * time.Second)
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "late", Threshold: 2, WindowSeconds: 10}))

	statuses := e.Statuses()
	require.Len(t, statuses, 2)
	require.NotNil(t, statuses[0].HeadSecond)
	assert.Equal(t, testStart.Unix(), *statuses[0].HeadSecond)
	require.NotNil(t, statuses[1].HeadSecond)
	assert.Equal(t, testStart.Add(30*time.Second).Unix(), *statuses[1].HeadSecond)

	// An event from well before attach falls outside the late detector's window.
	assert.Empty(t, e.Ingest(Event{Timestamp: testStart}))
	late, _ := e.Detector("late")
	assert.Equal(t, uint64(1), late.Snapshot().Dropped)
}

func TestEngine_MetricsRegistered(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddDetector(paymentErrors(true)))
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "logins", Threshold: 3, WindowSeconds: 30}))
	e.Ingest(Event{Timestamp: testStart})

	n, err := testutil.GatherAndCount(e.Registry(), "tripwire_events_observed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e.RemoveDetector("logins")
	n, err = testutil.GatherAndCount(e.Registry(), "tripwire_events_observed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ConcurrentIngestAndMutation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddDetector(DetectorConfig{Name: "steady", Threshold: 1000000, WindowSeconds: 60}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e.Deliver(Event{Timestamp: testStart.Add(time.Duration(i%30) * time.Second)})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			name := fmt.Sprintf("churn%d", i)
			_ = e.AddDetector(DetectorConfig{Name: name, Threshold: 2, WindowSeconds: 5})
			e.Statuses()
			e.RemoveDetector(name)
		}
	}()
	wg.Wait()

	d, ok := e.Detector("steady")
	require.True(t, ok)
	assert.Equal(t, uint64(2000), d.Snapshot().Observed)
	assert.Len(t, e.Detectors(), 1)
}
