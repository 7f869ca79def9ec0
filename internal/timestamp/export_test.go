package timestamp

import "time"

// SetClockForTest overrides the wall clock used by Enable/Process, so
// tests can drive exact elapsed-time scenarios deterministically.
func SetClockForTest(a *Annotator, now func() time.Time) {
	a.now = now
}
