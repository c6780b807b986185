package usecases

import "time"

// DefaultResetHour is the local hour after which the daily cache reset may run.
const DefaultResetHour = 3

// ResetDue reports whether a daily reset should run at now: the last reset
// happened on an earlier calendar day in now's location and the local hour
// is at or past resetHour. A zero last means no reset has ever run.
func ResetDue(last, now time.Time, resetHour int) bool {
	if now.Hour() < resetHour {
		return false
	}
	if last.IsZero() {
		return true
	}
	ly, lm, ld := last.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	lastDay := time.Date(ly, lm, ld, 0, 0, 0, 0, now.Location())
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, now.Location())
	return lastDay.Before(today)
}
