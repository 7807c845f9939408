package billing

import "time"

// EventKind classifies what happened to a due entry during processing.
type EventKind int

const (
	// EventSubscriptionMissing fires when the owning subscription row no
	// longer exists.
	EventSubscriptionMissing EventKind = iota
	// EventLookupFailed fires when no saved payment method is found.
	EventLookupFailed
	// EventChargeFailed fires when the gateway charge produced no
	// transaction id.
	EventChargeFailed
	// EventChargeSucceeded fires when the gateway returned a transaction id.
	EventChargeSucceeded
	// EventGraceExpired fires when a failing entry's deletion deadline has
	// already elapsed; the entry and subscription are force-expired.
	EventGraceExpired
)

func (k EventKind) String() string {
	switch k {
	case EventSubscriptionMissing:
		return "subscription_missing"
	case EventLookupFailed:
		return "no_payment_method"
	case EventChargeFailed:
		return "charge_declined"
	case EventChargeSucceeded:
		return "charge_succeeded"
	case EventGraceExpired:
		return "grace_expired"
	default:
		return "unknown"
	}
}

// Event is the input to the pure transition function.
type Event struct {
	Kind    EventKind
	Result  ChargeResult   // populated for EventChargeSucceeded
	Account PaymentAccount // the saved payment method charged, when known
}

// Changeset is the full set of writes a transition asks for. Nil fields mean
// "leave untouched". The engine applies it through the store and sends the
// notice, if any, afterwards.
type Changeset struct {
	EntryState         *EntryState
	EntryPayAt         *time.Time
	EntryDeleteAt      *time.Time
	EntryMethodRef     *string
	EntryMethodLabel   *string
	SubscriptionState  *SubscriptionState
	SubscriptionEnd    *time.Time
	SubscriptionAnchor *time.Time
	LicenseExpiry      *time.Time
	Notice             *FailureNotice
}

// FailureEvent resolves which failure event applies: if the entry is already
// in the failed state and its deletion deadline has passed, the grace window
// is over and the entry force-expires instead of retrying again.
func FailureEvent(entry ScheduleEntry, now time.Time, kind EventKind) EventKind {
	if entry.State == EntryPaymentFailed && entry.DeleteAt != nil && entry.DeleteAt.Before(now) {
		return EventGraceExpired
	}
	return kind
}

// Transition computes the writes for one entry event. It performs no I/O and
// never mutates its inputs, so every branch of the failure and renewal logic
// is unit-testable in isolation.
func Transition(entry ScheduleEntry, sub Subscription, now time.Time, ev Event) Changeset {
	switch ev.Kind {
	case EventSubscriptionMissing:
		return Changeset{EntryState: statePtr(EntryExpired)}

	case EventGraceExpired:
		return Changeset{
			EntryState:        statePtr(EntryExpired),
			SubscriptionState: subStatePtr(SubscriptionExpired),
			LicenseExpiry:     timePtr(now),
		}

	case EventChargeSucceeded:
		newEnd := RollForward(*sub.OriginalEndDate, sub.StartDate, 1, sub.PeriodUnit)
		return Changeset{
			EntryState:         statePtr(EntryActive),
			EntryMethodRef:     strPtr(ev.Account.ID),
			EntryMethodLabel:   strPtr(ev.Account.Label),
			SubscriptionEnd:    timePtr(newEnd),
			SubscriptionAnchor: timePtr(newEnd),
			LicenseExpiry:      timePtr(newEnd),
		}

	case EventLookupFailed, EventChargeFailed:
		retryAt := AddGracePeriod(entry.PayAt)
		if entry.DeleteAt == nil {
			// First failure: open the grace window and push the license
			// expiry out to the deletion deadline.
			deadline := AddDeletionDeadline(*sub.OriginalEndDate)
			return Changeset{
				EntryState:      statePtr(EntryPaymentFailed),
				EntryPayAt:      timePtr(retryAt),
				EntryDeleteAt:   timePtr(deadline),
				SubscriptionEnd: timePtr(deadline),
				LicenseExpiry:   timePtr(deadline),
				Notice: &FailureNotice{
					UserID:          entry.UserID,
					LicenseGroupRef: sub.LicenseGroupRef,
					Deadline:        deadline,
				},
			}
		}
		// Repeat failure inside the grace window: only the retry date moves.
		return Changeset{
			EntryState: statePtr(EntryPaymentFailed),
			EntryPayAt: timePtr(retryAt),
			Notice: &FailureNotice{
				UserID:          entry.UserID,
				LicenseGroupRef: sub.LicenseGroupRef,
				Deadline:        *entry.DeleteAt,
			},
		}
	}

	return Changeset{}
}

func statePtr(s EntryState) *EntryState                  { return &s }
func subStatePtr(s SubscriptionState) *SubscriptionState { return &s }
func timePtr(t time.Time) *time.Time                     { return &t }
func strPtr(s string) *string                            { return &s }
