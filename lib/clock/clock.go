// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source for every blocking wait in the host: the
// supervisor's stop deadline, the router's retry delay, the
// postmaster's startup grace, and the datastore lock backoff. Code
// that would call time.Now, time.After or time.Sleep takes a Clock
// instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. For
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (wallClock) Sleep(d time.Duration)                  { time.Sleep(d) }
