package billing

import "time"

const (
	// GracePeriod is how long a failed charge waits before the next retry,
	// measured from the originally scheduled pay date.
	GracePeriod = 5 * 24 * time.Hour

	// DeletionDeadline is how long after the renewal anchor an unresolved
	// payment failure is tolerated before the subscription is force-expired.
	DeletionDeadline = 15 * 24 * time.Hour
)

// AddGracePeriod returns the retry time for a failed charge.
func AddGracePeriod(t time.Time) time.Time {
	return t.Add(GracePeriod)
}

// AddDeletionDeadline returns the force-expiry cutoff for a failing
// subscription.
func AddDeletionDeadline(t time.Time) time.Time {
	return t.Add(DeletionDeadline)
}

// RollForward computes the next billing date: the year-month of anchor
// advanced by count units, carrying the day-of-month and time-of-day of
// start. If start's day does not exist in the target month (day 31 in a
// 30-day month, day 29-31 in February) the date clamps to the last day of
// that month. It never spills into the following month, which is what a
// naive AddDate on the anchor itself would do.
func RollForward(anchor, start time.Time, count int, unit PeriodUnit) time.Time {
	year := anchor.Year()
	month := anchor.Month()

	switch unit {
	case PeriodYear:
		year += count
	default:
		total := int(month) - 1 + count
		year += total / 12
		month = time.Month(total%12 + 1)
	}

	day := start.Day()
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}

	return time.Date(year, month, day,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(),
		start.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
