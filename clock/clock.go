// Package clock abstracts time for the timers owned by the realtime
// components (typing expiry, call ring and duration, notification
// auto-dismiss, meeting reminders). Production code uses Real; tests use
// Fake and advance time explicitly.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call. Returns false if it already fired or was stopped.
// Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
