package scheduler

import (
	"time"

	"github.com/salonhq/outreach/internal/store"
)

// NextRun computes the next execution time strictly after now for a
// schedule. Trigger-based schedules have no timer and return nil. The
// computation starts from the schedule itself, never from the last
// execution time, so repeated executions do not drift.
func NextRun(s store.Schedule, now time.Time) *time.Time {
	switch s.Frequency {
	case store.FreqDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next

	case store.FreqWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		offset := (s.Weekday - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, offset)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return &next

	case store.FreqMonthly:
		next := monthlyAt(now.Year(), now.Month(), s, now.Location())
		if !next.After(now) {
			next = monthlyAt(now.Year(), now.Month()+1, s, now.Location())
		}
		return &next
	}

	return nil
}

// monthlyAt returns the schedule's time in the given month, clamping
// the day to the month's last day (e.g. the 31st in April runs on the
// 30th).
func monthlyAt(year int, month time.Month, s store.Schedule, loc *time.Location) time.Time {
	day := s.DayOfMonth
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, s.Hour, s.Minute, 0, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
