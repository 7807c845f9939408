package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/observability"
	"github.com/billingworks/renewd/pkg/secrets"
)

// emailCacheSize bounds the decrypted-email memo. User rows are read-only to
// the engine, so cached plaintext cannot go stale within a process.
const emailCacheSize = 4096

// PostgresStore implements billing.Store over a PostgreSQL pool.
type PostgresStore struct {
	db     *sql.DB
	codec  *secrets.Codec
	emails *lru.Cache[int64, string]
	log    *observability.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, codec *secrets.Codec, log *observability.Logger) (*PostgresStore, error) {
	emails, err := lru.New[int64, string](emailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create email cache: %w", err)
	}
	return &PostgresStore{db: db, codec: codec, emails: emails, log: log}, nil
}

// Acquire checks one connection out of the pool for a tick. Every statement
// of the tick runs on it; the caller releases it via Close.
func (s *PostgresStore) Acquire(ctx context.Context) (billing.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", err)
	}
	return &tickSession{conn: conn, store: s}, nil
}

// tickSession is the per-tick persistence gateway. Statements autocommit
// individually; there is deliberately no surrounding transaction.
type tickSession struct {
	conn  *sql.Conn
	store *PostgresStore
}

func (t *tickSession) Close() error {
	return t.conn.Close()
}

const entryColumns = `e.id, e.user_id, e.subscription_id, e.state, e.pay_at, e.pay_amount,
       e.payment_method_ref, e.payment_method_label, e.updated_at, e.delete_at`

// DueEntries selects up to limit due entries, unresolved failures first and
// oldest due date within each state. A non-zero userID scopes the selection
// to that user (simulation runs).
func (t *tickSession) DueEntries(ctx context.Context, now time.Time, limit int, userID int64) ([]billing.ScheduleEntry, error) {
	// Entry states: 0 scheduled, 2 payment failed. Subscription state 1 is active.
	query := `
		SELECT ` + entryColumns + `
		FROM payment_schedule_entries e
		JOIN subscriptions s ON s.id = e.subscription_id
		WHERE e.pay_at <= $1 AND e.state IN (0, 2) AND s.state = 1
		ORDER BY e.state DESC, e.pay_at ASC
		LIMIT $2
	`
	args := []interface{}{now, limit}
	if userID > 0 {
		query = `
		SELECT ` + entryColumns + `
		FROM payment_schedule_entries e
		JOIN subscriptions s ON s.id = e.subscription_id
		WHERE e.pay_at <= $1 AND e.state IN (0, 2) AND s.state = 1 AND e.user_id = $3
		ORDER BY e.state DESC, e.pay_at ASC
		LIMIT $2
	`
		args = append(args, userID)
	}

	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select due entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.ScheduleEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FailedEntryID returns the id of the subscription's unresolved failed
// entry, or an empty string when there is none.
func (t *tickSession) FailedEntryID(ctx context.Context, subscriptionID int64) (string, error) {
	query := `SELECT id FROM payment_schedule_entries WHERE subscription_id = $1 AND state = 2 LIMIT 1`
	var id string
	err := t.conn.QueryRowContext(ctx, query, subscriptionID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up failed entry: %w", err)
	}
	return id, nil
}

const subscriptionColumns = `id, user_id, state, start_date, end_date, original_end_date,
       billing_period_unit, base_price, license_group_ref`

// Subscription returns the subscription or nil when the row is gone.
func (t *tickSession) Subscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(t.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// User returns the user with a decrypted email, or nil when missing.
// Plaintext emails are memoized in an LRU keyed by user id.
func (t *tickSession) User(ctx context.Context, id int64) (*billing.User, error) {
	if email, ok := t.store.emails.Get(id); ok {
		return &billing.User{ID: id, Email: email}, nil
	}

	query := `SELECT id, email FROM users WHERE id = $1`
	var user billing.User
	var encrypted string
	err := t.conn.QueryRowContext(ctx, query, id).Scan(&user.ID, &encrypted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Email, err = t.store.codec.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt email for user %d: %w", id, err)
	}

	t.store.emails.Add(id, user.Email)
	return &user, nil
}

// Card returns the user's saved card reference, or nil when missing.
func (t *tickSession) Card(ctx context.Context, userID int64) (*billing.PaymentCard, error) {
	query := `SELECT user_id, account_id FROM payment_cards WHERE user_id = $1`
	var card billing.PaymentCard
	err := t.conn.QueryRowContext(ctx, query, userID).Scan(&card.UserID, &card.AccountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment card: %w", err)
	}
	return &card, nil
}

// ActivateEntry marks a successfully charged entry active and records the
// payment method used.
func (t *tickSession) ActivateEntry(ctx context.Context, id, methodRef, methodLabel string, now time.Time) error {
	query := `
		UPDATE payment_schedule_entries
		SET state = 1, payment_method_ref = $2, payment_method_label = $3, updated_at = $4
		WHERE id = $1
	`
	if _, err := t.conn.ExecContext(ctx, query, id, methodRef, methodLabel, now); err != nil {
		return fmt.Errorf("failed to activate entry: %w", err)
	}
	return nil
}

// FailEntry marks an entry failed and advances its retry date. A nil
// deleteAt leaves the existing deadline untouched.
func (t *tickSession) FailEntry(ctx context.Context, id string, payAt time.Time, deleteAt *time.Time, now time.Time) error {
	query := `
		UPDATE payment_schedule_entries
		SET state = 2, pay_at = $2, delete_at = COALESCE($3, delete_at), updated_at = $4
		WHERE id = $1
	`
	if _, err := t.conn.ExecContext(ctx, query, id, payAt, deleteAt, now); err != nil {
		return fmt.Errorf("failed to fail entry: %w", err)
	}
	return nil
}

// ExpireEntry expires an entry. Only scheduled or failed entries move; an
// entry already terminal stays put.
func (t *tickSession) ExpireEntry(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE payment_schedule_entries
		SET state = 4, updated_at = $2
		WHERE id = $1 AND state IN (0, 2)
	`
	if _, err := t.conn.ExecContext(ctx, query, id, now); err != nil {
		return fmt.Errorf("failed to expire entry: %w", err)
	}
	return nil
}

// RenewSubscription moves both the end date and the renewal anchor forward
// after a successful charge.
func (t *tickSession) RenewSubscription(ctx context.Context, id int64, newEnd time.Time) error {
	query := `UPDATE subscriptions SET end_date = $2, original_end_date = $2 WHERE id = $1`
	if _, err := t.conn.ExecContext(ctx, query, id, newEnd); err != nil {
		return fmt.Errorf("failed to renew subscription: %w", err)
	}
	return nil
}

// PushSubscriptionEnd extends only the end date (grace window); the renewal
// anchor stays.
func (t *tickSession) PushSubscriptionEnd(ctx context.Context, id int64, end time.Time) error {
	query := `UPDATE subscriptions SET end_date = $2 WHERE id = $1`
	if _, err := t.conn.ExecContext(ctx, query, id, end); err != nil {
		return fmt.Errorf("failed to push subscription end: %w", err)
	}
	return nil
}

// ExpireSubscription sets the subscription to the expired state.
func (t *tickSession) ExpireSubscription(ctx context.Context, id int64) error {
	query := `UPDATE subscriptions SET state = 4 WHERE id = $1`
	if _, err := t.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}
	return nil
}

// TouchLicenseExpiry sets the license group expiry.
func (t *tickSession) TouchLicenseExpiry(ctx context.Context, groupRef string, expiredAt time.Time) error {
	query := `UPDATE license_groups SET expired_at = $2 WHERE group_id = $1`
	if _, err := t.conn.ExecContext(ctx, query, groupRef, expiredAt); err != nil {
		return fmt.Errorf("failed to touch license expiry: %w", err)
	}
	return nil
}

// ExpirableSubscriptions selects active or cancel-requested subscriptions
// whose end date has passed.
func (t *tickSession) ExpirableSubscriptions(ctx context.Context, now time.Time) ([]billing.Subscription, error) {
	// Subscription states: 1 active, 5 cancel requested.
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE state IN (1, 5) AND end_date < $1`
	rows, err := t.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select expirable subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ExpireSubscriptionEntries cascades a subscription expiry to its open
// entries.
func (t *tickSession) ExpireSubscriptionEntries(ctx context.Context, subscriptionID int64, now time.Time) error {
	// Entry states 0, 2 and 3 follow the subscription into expiry.
	query := `
		UPDATE payment_schedule_entries
		SET state = 4, updated_at = $2
		WHERE subscription_id = $1 AND state IN (0, 2, 3)
	`
	if _, err := t.conn.ExecContext(ctx, query, subscriptionID, now); err != nil {
		return fmt.Errorf("failed to expire subscription entries: %w", err)
	}
	return nil
}

// SubscriptionsWithoutPending selects every active subscription with no
// scheduled or failed entry.
func (t *tickSession) SubscriptionsWithoutPending(ctx context.Context) ([]billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions s
		WHERE s.state = 1 AND NOT EXISTS (
			SELECT 1 FROM payment_schedule_entries e
			WHERE e.subscription_id = s.id AND e.state IN (0, 2)
		)
	`
	rows, err := t.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select subscriptions without pending entries: %w", err)
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// InsertScheduledEntries inserts a batch of forecast entries.
func (t *tickSession) InsertScheduledEntries(ctx context.Context, entries []billing.ScheduleEntry) error {
	query := `
		INSERT INTO payment_schedule_entries (id, user_id, subscription_id, state, pay_at, pay_amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, entry := range entries {
		_, err := t.conn.ExecContext(ctx, query,
			entry.ID, entry.UserID, entry.SubscriptionID, int(entry.State),
			entry.PayAt, entry.PayAmount, entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert scheduled entry: %w", err)
		}
	}
	return nil
}

// ActiveSimulation returns the active simulation-control row, or nil when
// none is configured.
func (t *tickSession) ActiveSimulation(ctx context.Context) (*billing.Simulation, error) {
	query := `
		SELECT user_id, simulated_now, pay_amount
		FROM billing_simulations
		WHERE active
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var sim billing.Simulation
	err := t.conn.QueryRowContext(ctx, query).Scan(&sim.UserID, &sim.Now, &sim.Amount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulation: %w", err)
	}
	return &sim, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (billing.ScheduleEntry, error) {
	var entry billing.ScheduleEntry
	var state int
	var methodRef, methodLabel sql.NullString
	var deleteAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.UserID, &entry.SubscriptionID, &state,
		&entry.PayAt, &entry.PayAmount, &methodRef, &methodLabel,
		&entry.UpdatedAt, &deleteAt)
	if err != nil {
		return entry, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry.State = billing.EntryState(state)
	if methodRef.Valid {
		entry.PaymentMethodRef = methodRef.String
	}
	if methodLabel.Valid {
		entry.PaymentMethodLabel = methodLabel.String
	}
	if deleteAt.Valid {
		at := deleteAt.Time
		entry.DeleteAt = &at
	}
	return entry, nil
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var sub billing.Subscription
	var state int
	var unit string
	var originalEnd sql.NullTime
	var groupRef sql.NullString

	err := row.Scan(&sub.ID, &sub.UserID, &state, &sub.StartDate, &sub.EndDate,
		&originalEnd, &unit, &sub.BasePrice, &groupRef)
	if err != nil {
		return nil, err
	}

	sub.State = billing.SubscriptionState(state)
	sub.PeriodUnit = billing.PeriodUnit(unit)
	if originalEnd.Valid {
		at := originalEnd.Time
		sub.OriginalEndDate = &at
	}
	if groupRef.Valid {
		sub.LicenseGroupRef = groupRef.String
	}
	return &sub, nil
}
