package detection

import "time"

// Cadence names used for scheduling bookkeeping and skip-if-running guards
const (
	cadenceHourly     = "hourly"
	cadenceThresholds = "thresholds"
	cadenceDaily      = "daily"
	cadenceTwiceDaily = "twice_daily"
	cadenceWeekly     = "weekly"
)

// nextDailyFire returns the next occurrence of hour:00 strictly after now
func nextDailyFire(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// nextTwiceDailyFire returns the earliest upcoming slot among the given hours
func nextTwiceDailyFire(now time.Time, hours []int) time.Time {
	var earliest time.Time
	for _, h := range hours {
		candidate := nextDailyFire(now, h)
		if earliest.IsZero() || candidate.Before(earliest) {
			earliest = candidate
		}
	}
	return earliest
}

// nextWeeklyFire returns the next occurrence of weekday at hour:00 strictly
// after now
func nextWeeklyFire(now time.Time, weekday time.Weekday, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	daysAhead := (int(weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, daysAhead)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// scheduleAt runs fn once at t and returns a cancel function. Firing in the
// past runs immediately, matching time.AfterFunc semantics.
func scheduleAt(t time.Time, fn func()) func() {
	timer := time.AfterFunc(time.Until(t), fn)
	return func() { timer.Stop() }
}
