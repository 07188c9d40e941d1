// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnlyAtDeadline(t *testing.T) {
	fake := Fake(epoch)
	ready := fake.After(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-ready:
		t.Fatal("fired before deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ready:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", fired)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after firing", fake.PendingCount())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
}

func TestFakeSleepWithWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	<-done

	if got := fake.Now(); !got.Equal(epoch.Add(time.Minute)) {
		t.Errorf("Now = %v", got)
	}
}
