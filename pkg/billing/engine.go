package billing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/billingworks/renewd/pkg/observability"
)

// DefaultBatchSize is how many due entries a normal tick picks up.
const DefaultBatchSize = 5

// EngineConfig carries the engine's collaborators that have sane defaults.
type EngineConfig struct {
	Clock      Clock
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	BatchSize  int
	Simulation bool
}

// Engine drives one reconciliation tick: it selects due schedule entries,
// classifies each into an event, applies the resulting changeset through the
// store, then runs the expiry sweep and renewal forecasting.
type Engine struct {
	store    Store
	gateway  PaymentGateway
	notifier Notifier

	clock      Clock
	log        *observability.Logger
	metrics    *observability.Metrics
	batchSize  int
	simulation bool
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, gateway PaymentGateway, notifier Notifier, cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Engine{
		store:      store,
		gateway:    gateway,
		notifier:   notifier,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		batchSize:  cfg.BatchSize,
		simulation: cfg.Simulation,
	}
}

// TickSummary reports what one tick did.
type TickSummary struct {
	Processed          int
	Succeeded          int
	Failed             int
	Expired            int
	Skipped            int
	SweptSubscriptions int
	ForecastEntries    int
}

// RunOnce executes a single reconciliation tick. Any unhandled error aborts
// the remainder of the tick; writes already issued stand, and the connection
// is always released.
func (e *Engine) RunOnce(ctx context.Context) (TickSummary, error) {
	var sum TickSummary

	sess, err := e.store.Acquire(ctx)
	if err != nil {
		return sum, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	now := e.clock.Now()
	limit := e.batchSize
	var targetUser int64
	var amountOverride int64

	if e.simulation {
		sim, err := sess.ActiveSimulation(ctx)
		if err != nil {
			return sum, fmt.Errorf("load simulation: %w", err)
		}
		if sim == nil {
			e.log.Debug("simulation mode active but no simulation row; tick is a no-op")
			return sum, nil
		}
		now = sim.Now
		targetUser = sim.UserID
		amountOverride = sim.Amount
		limit = 1
		e.log.WithFields(map[string]interface{}{
			"user_id": sim.UserID,
			"now":     sim.Now,
		}).Info("running simulated tick")
	}

	entries, err := sess.DueEntries(ctx, now, limit, targetUser)
	if err != nil {
		return sum, fmt.Errorf("select due entries: %w", err)
	}

	for _, entry := range entries {
		outcome, err := e.processEntry(ctx, sess, entry, now, amountOverride)
		if err != nil {
			return sum, fmt.Errorf("process entry %s: %w", entry.ID, err)
		}
		sum.Processed++
		switch outcome {
		case EventChargeSucceeded:
			sum.Succeeded++
		case EventLookupFailed, EventChargeFailed:
			sum.Failed++
		case EventGraceExpired, EventSubscriptionMissing:
			sum.Expired++
		default:
			sum.Skipped++
		}
		e.countOutcome(outcome)
	}

	// Simulated ticks are scoped to one user; the sweep and forecasting
	// operate on everyone and would run against the pinned clock, so they
	// only run in normal mode.
	if !e.simulation {
		swept, err := e.sweepExpired(ctx, sess, now)
		if err != nil {
			return sum, fmt.Errorf("expiry sweep: %w", err)
		}
		sum.SweptSubscriptions = swept

		created, err := e.forecast(ctx, sess, now)
		if err != nil {
			return sum, fmt.Errorf("renewal forecasting: %w", err)
		}
		sum.ForecastEntries = created
	}

	return sum, nil
}

// outcomeSkipped marks entries that hit one of the skip gates.
const outcomeSkipped EventKind = -1

func (e *Engine) processEntry(ctx context.Context, sess Session, entry ScheduleEntry, now time.Time, amountOverride int64) (EventKind, error) {
	log := e.log.WithFields(map[string]interface{}{
		"entry_id":        entry.ID,
		"subscription_id": entry.SubscriptionID,
		"user_id":         entry.UserID,
	})

	sub, err := sess.Subscription(ctx, entry.SubscriptionID)
	if err != nil {
		return 0, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		log.Warn("subscription is gone; expiring orphaned entry")
		cs := Transition(entry, Subscription{}, now, Event{Kind: EventSubscriptionMissing})
		return EventSubscriptionMissing, e.apply(ctx, sess, entry, nil, cs, now, log)
	}

	// A failed entry for the same subscription blocks every other entry
	// until it resolves.
	failedID, err := sess.FailedEntryID(ctx, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("check failed entry: %w", err)
	}
	if failedID != "" && failedID != entry.ID {
		log.WithField("failed_entry_id", failedID).Debug("skipping entry behind an unresolved failure")
		return outcomeSkipped, nil
	}

	if sub.State != SubscriptionActive {
		log.WithField("subscription_state", sub.State.String()).Debug("subscription not active; skipping")
		return outcomeSkipped, nil
	}

	if sub.OriginalEndDate == nil {
		log.Warn("subscription has no renewal anchor; skipping")
		return outcomeSkipped, nil
	}

	ev, err := e.attemptCharge(ctx, sess, entry, now, amountOverride, log)
	if err != nil {
		return 0, err
	}

	cs := Transition(entry, *sub, now, ev)
	if err := e.apply(ctx, sess, entry, sub, cs, now, log); err != nil {
		return 0, err
	}

	log.WithField("outcome", ev.Kind.String()).Info("entry processed")
	return ev.Kind, nil
}

// attemptCharge resolves the user's saved payment method and tries to charge
// it, classifying the result into an event. Gateway failures are soft; only
// database errors propagate.
func (e *Engine) attemptCharge(ctx context.Context, sess Session, entry ScheduleEntry, now time.Time, amountOverride int64, log *observability.Logger) (Event, error) {
	user, err := sess.User(ctx, entry.UserID)
	if err != nil {
		return Event{}, fmt.Errorf("load user: %w", err)
	}
	card, err := sess.Card(ctx, entry.UserID)
	if err != nil {
		return Event{}, fmt.Errorf("load card: %w", err)
	}
	if user == nil || card == nil {
		log.Warn("user or card record missing; treating as no payment method")
		return Event{Kind: FailureEvent(entry, now, EventLookupFailed)}, nil
	}

	account, ok := e.gateway.SavedPaymentMethod(ctx, user.Email, card.AccountID)
	if !ok {
		return Event{Kind: FailureEvent(entry, now, EventLookupFailed)}, nil
	}

	amount := entry.PayAmount
	if amountOverride > 0 {
		amount = amountOverride
	}

	result := e.gateway.Charge(ctx, ChargeRequest{
		Email:          user.Email,
		CardAccountID:  card.AccountID,
		SavedAccountID: account.ID,
		Amount:         amount,
		Description:    "subscription renewal",
	})
	if result.TransactionID == "" {
		return Event{Kind: FailureEvent(entry, now, EventChargeFailed), Account: account}, nil
	}

	return Event{Kind: EventChargeSucceeded, Result: result, Account: account}, nil
}

// apply writes a changeset through the session. Each statement commits on
// its own; a failure mid-changeset leaves earlier writes in place and aborts
// the tick.
func (e *Engine) apply(ctx context.Context, sess Session, entry ScheduleEntry, sub *Subscription, cs Changeset, now time.Time, log *observability.Logger) error {
	if cs.EntryState != nil {
		var err error
		switch *cs.EntryState {
		case EntryActive:
			err = sess.ActivateEntry(ctx, entry.ID, deref(cs.EntryMethodRef), deref(cs.EntryMethodLabel), now)
		case EntryPaymentFailed:
			err = sess.FailEntry(ctx, entry.ID, *cs.EntryPayAt, cs.EntryDeleteAt, now)
		case EntryExpired:
			err = sess.ExpireEntry(ctx, entry.ID, now)
		}
		if err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
	}

	if sub != nil {
		switch {
		case cs.SubscriptionAnchor != nil:
			if err := sess.RenewSubscription(ctx, sub.ID, *cs.SubscriptionAnchor); err != nil {
				return fmt.Errorf("renew subscription: %w", err)
			}
		case cs.SubscriptionState != nil && *cs.SubscriptionState == SubscriptionExpired:
			if err := sess.ExpireSubscription(ctx, sub.ID); err != nil {
				return fmt.Errorf("expire subscription: %w", err)
			}
		case cs.SubscriptionEnd != nil:
			if err := sess.PushSubscriptionEnd(ctx, sub.ID, *cs.SubscriptionEnd); err != nil {
				return fmt.Errorf("push subscription end: %w", err)
			}
		}

		if cs.LicenseExpiry != nil {
			if err := sess.TouchLicenseExpiry(ctx, sub.LicenseGroupRef, *cs.LicenseExpiry); err != nil {
				return fmt.Errorf("touch license expiry: %w", err)
			}
		}
	}

	if cs.Notice != nil {
		if err := e.notifier.NotifyPaymentFailure(ctx, *cs.Notice); err != nil {
			// Notification delivery never blocks billing state.
			log.WithError(err).Warn("payment failure notification not delivered")
			e.countNotification("error")
		} else {
			e.countNotification("sent")
		}
	}

	return nil
}

// sweepExpired force-expires every active or cancel-requested subscription
// whose end date has passed, cascading to its open schedule entries. Running
// it against an already expired subscription is a no-op because the
// selection excludes terminal states.
func (e *Engine) sweepExpired(ctx context.Context, sess Session, now time.Time) (int, error) {
	subs, err := sess.ExpirableSubscriptions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("select expirable subscriptions: %w", err)
	}

	for _, sub := range subs {
		if err := sess.ExpireSubscription(ctx, sub.ID); err != nil {
			return 0, fmt.Errorf("expire subscription %d: %w", sub.ID, err)
		}
		if err := sess.ExpireSubscriptionEntries(ctx, sub.ID, now); err != nil {
			return 0, fmt.Errorf("expire entries of subscription %d: %w", sub.ID, err)
		}
		e.log.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"end_date":        sub.EndDate,
		}).Info("subscription expired by sweep")
		if e.metrics != nil {
			e.metrics.SubscriptionsExpiredTotal.Inc()
		}
	}

	return len(subs), nil
}

// forecast seeds the rolling window of future scheduled entries for every
// active subscription with none pending. The zero-pending gate is the only
// dedupe; a subscription that repeatedly lands in that state gets a fresh
// batch each time.
func (e *Engine) forecast(ctx context.Context, sess Session, now time.Time) (int, error) {
	subs, err := sess.SubscriptionsWithoutPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("select subscriptions without pending entries: %w", err)
	}

	created := 0
	for _, sub := range subs {
		if sub.OriginalEndDate == nil {
			e.log.WithField("subscription_id", sub.ID).Warn("no renewal anchor; cannot forecast")
			continue
		}

		count := sub.PeriodUnit.ForecastCount()
		entries := make([]ScheduleEntry, 0, count)
		for i := 0; i < count; i++ {
			entries = append(entries, ScheduleEntry{
				ID:             uuid.NewString(),
				UserID:         sub.UserID,
				SubscriptionID: sub.ID,
				State:          EntryScheduled,
				PayAt:          RollForward(*sub.OriginalEndDate, sub.StartDate, i, sub.PeriodUnit),
				PayAmount:      sub.BasePrice,
				UpdatedAt:      now,
			})
		}

		if err := sess.InsertScheduledEntries(ctx, entries); err != nil {
			return created, fmt.Errorf("insert forecast for subscription %d: %w", sub.ID, err)
		}
		created += len(entries)
		e.log.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"entries":         len(entries),
		}).Info("forecast entries seeded")
		if e.metrics != nil {
			e.metrics.ForecastEntriesTotal.Add(float64(len(entries)))
		}
	}

	return created, nil
}

func (e *Engine) countOutcome(kind EventKind) {
	if e.metrics == nil {
		return
	}
	label := "skipped"
	if kind != outcomeSkipped {
		label = kind.String()
	}
	e.metrics.EntriesProcessedTotal.WithLabelValues(label).Inc()
}

func (e *Engine) countNotification(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.NotificationsTotal.WithLabelValues(result).Inc()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
