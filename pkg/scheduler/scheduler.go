// Package scheduler fires the reconciliation engine on a fixed interval with
// single-flight execution: a timer firing that lands while the previous tick
// is still running is a counted no-op.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/observability"
)

// Engine is the tick body the runner drives.
type Engine interface {
	RunOnce(ctx context.Context) (billing.TickSummary, error)
}

// Runner owns the periodic timer, the single-flight guard and the heartbeat.
type Runner struct {
	engine    Engine
	interval  time.Duration
	heartbeat time.Duration
	log       *observability.Logger
	metrics   *observability.Metrics

	flight   *semaphore.Weighted
	cron     *cron.Cron
	lastBeat time.Time
}

// New creates a runner firing the engine every interval and logging a
// heartbeat at most once per heartbeat duration.
func New(engine Engine, interval, heartbeat time.Duration, log *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		engine:    engine,
		interval:  interval,
		heartbeat: heartbeat,
		log:       log,
		metrics:   metrics,
		flight:    semaphore.NewWeighted(1),
	}
}

// Start begins periodic execution.
func (r *Runner) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.Tick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	r.cron.Start()
	r.log.WithField("interval", r.interval.String()).Info("scheduler started")
	return nil
}

// Stop halts the timer and waits for an in-flight tick to finish, bounded by
// ctx.
func (r *Runner) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		r.log.Info("scheduler stopped")
	case <-ctx.Done():
		r.log.Warn("scheduler stop timed out with a tick still in flight")
	}
}

// Tick runs one guarded tick body. Exported so a timer firing and a manual
// trigger share the same single-flight path.
func (r *Runner) Tick() {
	if !r.flight.TryAcquire(1) {
		r.log.Debug("previous tick still running; skipping this firing")
		if r.metrics != nil {
			r.metrics.TickOverlapsTotal.Inc()
		}
		return
	}
	defer r.flight.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", fmt.Sprint(rec)).
				WithField("stack", string(debug.Stack())).
				Error("tick panicked")
			r.countTick("panic")
		}
	}()

	r.beat()

	start := time.Now()
	summary, err := r.engine.RunOnce(context.Background())
	elapsed := time.Since(start)

	if r.metrics != nil {
		r.metrics.TickDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		// The tick aborts; writes already committed stand and the next
		// firing retries independently.
		r.log.WithError(err).Error("tick aborted")
		r.countTick("error")
		return
	}

	r.countTick("ok")
	r.log.WithFields(map[string]interface{}{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"expired":   summary.Expired,
		"skipped":   summary.Skipped,
		"swept":     summary.SweptSubscriptions,
		"forecast":  summary.ForecastEntries,
		"elapsed":   elapsed.String(),
	}).Info("tick complete")
}

// beat emits the observational heartbeat, rate limited to once per
// configured wall-clock interval. Only called from inside the single-flight
// guard, so lastBeat needs no locking.
func (r *Runner) beat() {
	now := time.Now()
	if now.Sub(r.lastBeat) < r.heartbeat {
		return
	}
	r.lastBeat = now
	r.log.WithField("at", now.Format(time.RFC3339)).Info("heartbeat")
}

func (r *Runner) countTick(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.TicksTotal.WithLabelValues(result).Inc()
}
