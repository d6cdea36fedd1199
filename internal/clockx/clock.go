// Package clockx abstracts time so expiry sweeps, sync debouncing, and
// latency padding can be tested without sleeping.
package clockx

import "time"

// Clock is the injectable time source.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall-clock implementation.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
