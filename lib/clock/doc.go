// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Production code receives [Real]. Tests receive a [FakeClock] from
// [Fake], whose time only moves when the test calls Advance. The
// usual test shape is:
//
//	fake := clock.Fake(time.Unix(0, 0))
//	go component.Run(fake)
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
//
// WaitForTimers closes the race between the goroutine under test
// registering its wait and the test advancing past it.
package clock
