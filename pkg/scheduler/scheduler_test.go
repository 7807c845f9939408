package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/observability"
)

type stubEngine struct {
	mu      sync.Mutex
	runs    int
	summary billing.TickSummary
	err     error
	block   chan struct{}
	panics  bool
}

func (s *stubEngine) RunOnce(ctx context.Context) (billing.TickSummary, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	if s.panics {
		panic("engine blew up")
	}
	if s.block != nil {
		<-s.block
	}
	return s.summary, s.err
}

func (s *stubEngine) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func newTestRunner(engine Engine) *Runner {
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return New(engine, time.Second, time.Minute, log, nil)
}

func TestTickRunsTheEngine(t *testing.T) {
	engine := &stubEngine{summary: billing.TickSummary{Processed: 2}}
	runner := newTestRunner(engine)

	runner.Tick()
	assert.Equal(t, 1, engine.runCount())
}

func TestTickIsSingleFlight(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	runner := newTestRunner(engine)

	done := make(chan struct{})
	go func() {
		runner.Tick()
		close(done)
	}()

	// Wait for the first tick to be inside the engine.
	require.Eventually(t, func() bool { return engine.runCount() == 1 },
		time.Second, time.Millisecond)

	// A firing that lands mid-tick is dropped, not queued.
	runner.Tick()
	assert.Equal(t, 1, engine.runCount())

	close(engine.block)
	<-done

	engine.block = nil
	runner.Tick()
	assert.Equal(t, 2, engine.runCount(), "the guard is released after the tick")
}

func TestTickRecoversFromPanic(t *testing.T) {
	engine := &stubEngine{panics: true}
	runner := newTestRunner(engine)

	assert.NotPanics(t, func() { runner.Tick() })

	// The guard is released on the panic path too.
	engine.panics = false
	runner.Tick()
	assert.Equal(t, 2, engine.runCount())
}

func TestHeartbeatIsRateLimited(t *testing.T) {
	engine := &stubEngine{}
	runner := newTestRunner(engine)

	runner.beat()
	first := runner.lastBeat
	assert.False(t, first.IsZero())

	runner.beat()
	assert.Equal(t, first, runner.lastBeat, "a beat inside the interval is suppressed")

	runner.lastBeat = time.Now().Add(-2 * time.Minute)
	runner.beat()
	assert.NotEqual(t, first, runner.lastBeat)
}

func TestStartAndStop(t *testing.T) {
	engine := &stubEngine{}
	runner := newTestRunner(engine)

	require.NoError(t, runner.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runner.Stop(ctx)
}

func TestStopWithoutStart(t *testing.T) {
	runner := newTestRunner(&stubEngine{})
	assert.NotPanics(t, func() { runner.Stop(context.Background()) })
}
