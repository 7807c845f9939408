package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestAddGracePeriod(t *testing.T) {
	at := date(2024, time.March, 10, 9)
	assert.Equal(t, date(2024, time.March, 15, 9), AddGracePeriod(at))
}

func TestAddDeletionDeadline(t *testing.T) {
	at := date(2024, time.March, 10, 9)
	assert.Equal(t, date(2024, time.March, 25, 9), AddDeletionDeadline(at))
}

func TestRollForwardMonth(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		start  time.Time
		count  int
		want   time.Time
	}{
		{
			name:   "day 31 into leap february clamps to 29",
			anchor: date(2024, time.January, 31, 10),
			start:  date(2024, time.January, 31, 10),
			count:  1,
			want:   date(2024, time.February, 29, 10),
		},
		{
			name:   "day 31 into non-leap february clamps to 28",
			anchor: date(2023, time.January, 31, 10),
			start:  date(2023, time.January, 31, 10),
			count:  1,
			want:   date(2023, time.February, 28, 10),
		},
		{
			name:   "day 31 into 30-day month clamps to 30",
			anchor: date(2024, time.March, 31, 23),
			start:  date(2024, time.March, 31, 23),
			count:  1,
			want:   date(2024, time.April, 30, 23),
		},
		{
			name:   "day 30 into 30-day month is untouched",
			anchor: date(2024, time.April, 30, 0),
			start:  date(2024, time.April, 30, 0),
			count:  1,
			want:   date(2024, time.May, 30, 0),
		},
		{
			name:   "day 29 into leap february keeps 29",
			anchor: date(2024, time.January, 29, 6),
			start:  date(2024, time.January, 29, 6),
			count:  1,
			want:   date(2024, time.February, 29, 6),
		},
		{
			name:   "day 29 into non-leap february clamps to 28",
			anchor: date(2023, time.January, 29, 6),
			start:  date(2023, time.January, 29, 6),
			count:  1,
			want:   date(2023, time.February, 28, 6),
		},
		{
			name:   "december rolls into next year",
			anchor: date(2023, time.December, 15, 12),
			start:  date(2023, time.December, 15, 12),
			count:  1,
			want:   date(2024, time.January, 15, 12),
		},
		{
			name:   "count zero applies start day to anchor month",
			anchor: date(2024, time.February, 15, 8),
			start:  date(2024, time.January, 31, 8),
			count:  0,
			want:   date(2024, time.February, 29, 8),
		},
		{
			name:   "day and time come from start, month comes from anchor",
			anchor: date(2024, time.February, 15, 8),
			start:  date(2024, time.January, 31, 10),
			count:  1,
			want:   date(2024, time.March, 31, 10),
		},
		{
			name:   "several months ahead",
			anchor: date(2024, time.January, 31, 10),
			start:  date(2024, time.January, 31, 10),
			count:  3,
			want:   date(2024, time.April, 30, 10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RollForward(tt.anchor, tt.start, tt.count, PeriodMonth)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRollForwardYear(t *testing.T) {
	t.Run("leap day into non-leap year clamps to 28", func(t *testing.T) {
		anchor := date(2024, time.February, 29, 10)
		got := RollForward(anchor, anchor, 1, PeriodYear)
		assert.Equal(t, date(2025, time.February, 28, 10), got)
	})

	t.Run("plain date advances the year only", func(t *testing.T) {
		anchor := date(2023, time.June, 15, 10)
		got := RollForward(anchor, anchor, 2, PeriodYear)
		assert.Equal(t, date(2025, time.June, 15, 10), got)
	})
}

// The rollover must land in exactly the intended month for every overflowing
// start day; a naive AddDate silently normalizes day 31 into the following
// month.
func TestRollForwardNeverSpillsIntoNextMonth(t *testing.T) {
	for _, day := range []int{29, 30, 31} {
		start := date(2023, time.January, day, 10)
		for count := 1; count <= 24; count++ {
			got := RollForward(start, start, count, PeriodMonth)

			wantTotal := int(time.January) - 1 + count
			wantYear := 2023 + wantTotal/12
			wantMonth := time.Month(wantTotal%12 + 1)

			assert.Equal(t, wantYear, got.Year(), "start day %d count %d", day, count)
			assert.Equal(t, wantMonth, got.Month(), "start day %d count %d", day, count)
			assert.LessOrEqual(t, got.Day(), day)
			assert.Equal(t, 10, got.Hour())
		}
	}
}
