package billing

import (
	"context"
	"time"
)

// EntryState is the lifecycle state of a payment schedule entry. The numeric
// values are stored directly in the database and shared with the rest of the
// platform, so they must not be renumbered.
type EntryState int

const (
	EntryScheduled     EntryState = 0
	EntryActive        EntryState = 1
	EntryPaymentFailed EntryState = 2
	EntryCancelled     EntryState = 3
	EntryExpired       EntryState = 4
	EntryOther         EntryState = 9
)

func (s EntryState) String() string {
	switch s {
	case EntryScheduled:
		return "scheduled"
	case EntryActive:
		return "active"
	case EntryPaymentFailed:
		return "payment_failed"
	case EntryCancelled:
		return "cancelled"
	case EntryExpired:
		return "expired"
	default:
		return "other"
	}
}

// SubscriptionState is the lifecycle state of a subscription. Numeric values
// are shared with the wider platform schema.
type SubscriptionState int

const (
	SubscriptionNone            SubscriptionState = 0
	SubscriptionActive          SubscriptionState = 1
	SubscriptionPaymentFailed   SubscriptionState = 2
	SubscriptionCancelled       SubscriptionState = 3
	SubscriptionExpired         SubscriptionState = 4
	SubscriptionCancelRequested SubscriptionState = 5
	SubscriptionOther           SubscriptionState = 9
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionNone:
		return "none"
	case SubscriptionActive:
		return "active"
	case SubscriptionPaymentFailed:
		return "payment_failed"
	case SubscriptionCancelled:
		return "cancelled"
	case SubscriptionExpired:
		return "expired"
	case SubscriptionCancelRequested:
		return "cancel_requested"
	default:
		return "other"
	}
}

// PeriodUnit is the billing cycle length of a subscription.
type PeriodUnit string

const (
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// ForecastCount returns how many future schedule entries are seeded for a
// subscription with this cycle when it has none pending.
func (u PeriodUnit) ForecastCount() int {
	if u == PeriodYear {
		return 2
	}
	return 6
}

// ScheduleEntry is one scheduled or attempted recurring charge. Entries are
// mutated in place through scheduled/failed cycles and terminate in a
// cancelled or expired state; they are never deleted.
type ScheduleEntry struct {
	ID                 string
	UserID             int64
	SubscriptionID     int64
	State              EntryState
	PayAt              time.Time
	PayAmount          int64
	PaymentMethodRef   string
	PaymentMethodLabel string
	UpdatedAt          time.Time
	DeleteAt           *time.Time
}

// Subscription is the owning subscription of a schedule entry.
//
// OriginalEndDate is the renewal anchor: the stable reference for computing
// the next billing date. EndDate may be pushed out by grace extensions, but
// the anchor only moves on a successful renewal.
type Subscription struct {
	ID              int64
	UserID          int64
	State           SubscriptionState
	StartDate       time.Time
	EndDate         time.Time
	OriginalEndDate *time.Time
	PeriodUnit      PeriodUnit
	BasePrice       int64
	LicenseGroupRef string
}

// LicenseGroup carries the license expiry that follows the subscription.
type LicenseGroup struct {
	GroupID   string
	ExpiredAt time.Time
}

// User is read-only to the engine. Email arrives already decrypted from the
// store.
type User struct {
	ID    int64
	Email string
}

// PaymentCard holds the externally registered saved-payment-method reference
// for a user. Read-only to the engine.
type PaymentCard struct {
	UserID    int64
	AccountID string
}

// Simulation is the single active simulation-control row used by staging
// runs: the tick is scoped to one user with a pinned clock, a fixed charge
// amount and a batch size of one.
type Simulation struct {
	UserID int64
	Now    time.Time
	Amount int64
}

// PaymentAccount is a saved payment method as reported by the gateway.
type PaymentAccount struct {
	ID    string
	Label string
}

// ChargeResult is the outcome of a charge attempt. A charge succeeded if and
// only if TransactionID is non-empty; a zero value means failure regardless
// of cause.
type ChargeResult struct {
	TransactionID string
	Status        string
}

// ChargeRequest describes a single charge attempt against a saved account.
type ChargeRequest struct {
	Email          string
	CardAccountID  string
	SavedAccountID string
	Amount         int64
	Description    string
}

// FailureNotice is the outbound payment-failure notification payload.
type FailureNotice struct {
	UserID          int64
	LicenseGroupRef string
	Deadline        time.Time
}

// PaymentGateway wraps the two external payment operations. Implementations
// fail soft: transport and gateway errors are logged internally and surface
// as an absent account or a zero ChargeResult, never as an error.
type PaymentGateway interface {
	SavedPaymentMethod(ctx context.Context, email, cardAccountID string) (PaymentAccount, bool)
	Charge(ctx context.Context, req ChargeRequest) ChargeResult
}

// Notifier delivers payment-failure notifications. Delivery errors are
// logged by the engine and never block billing state transitions.
type Notifier interface {
	NotifyPaymentFailure(ctx context.Context, notice FailureNotice) error
}

// Store hands out one Session per tick. All statements of a tick run on the
// session's connection; the engine releases it when the tick ends.
type Store interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session is the persistence gateway for a single tick. Reads are consistent
// within the session's connection but writes commit per statement; there is
// no tick-level transaction.
type Session interface {
	DueEntries(ctx context.Context, now time.Time, limit int, userID int64) ([]ScheduleEntry, error)
	FailedEntryID(ctx context.Context, subscriptionID int64) (string, error)
	Subscription(ctx context.Context, id int64) (*Subscription, error)
	User(ctx context.Context, id int64) (*User, error)
	Card(ctx context.Context, userID int64) (*PaymentCard, error)

	ActivateEntry(ctx context.Context, id, methodRef, methodLabel string, now time.Time) error
	FailEntry(ctx context.Context, id string, payAt time.Time, deleteAt *time.Time, now time.Time) error
	ExpireEntry(ctx context.Context, id string, now time.Time) error

	RenewSubscription(ctx context.Context, id int64, newEnd time.Time) error
	PushSubscriptionEnd(ctx context.Context, id int64, end time.Time) error
	ExpireSubscription(ctx context.Context, id int64) error
	TouchLicenseExpiry(ctx context.Context, groupRef string, expiredAt time.Time) error

	ExpirableSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
	ExpireSubscriptionEntries(ctx context.Context, subscriptionID int64, now time.Time) error

	SubscriptionsWithoutPending(ctx context.Context) ([]Subscription, error)
	InsertScheduledEntries(ctx context.Context, entries []ScheduleEntry) error

	ActiveSimulation(ctx context.Context) (*Simulation, error)

	Close() error
}
