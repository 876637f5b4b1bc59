// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"
	"time"
)

func queueBios(tg *TG, dir Dir, n int) {
	for i := 0; i < n; i++ {
		tg.sq.queued[dir].AddBio(&Bio{Dir: dir, Size: 4096}, tg.qnodeOnSelf[dir], nil)
	}
}

// TestDispatchRound_SixTwoSplitExhaustsQuantum verifies the 6:2 read:write
// split dispatches exactly GroupQuantum bios when both directions have
// enough queued to fill their share.
func TestDispatchRound_SixTwoSplitExhaustsQuantum(t *testing.T) {
	root := newSQ(nil, true)
	tg := newTG(TGKey{Group: "g", Device: DeviceID{1, 0}}, 100*time.Millisecond, nil)
	tg.sq.parent = root
	queueBios(tg, Read, 6)
	queueBios(tg, Write, 2)

	n := dispatchRound(tg, root, 0, false)
	if n != GroupQuantum {
		t.Fatalf("dispatched = %d, want %d", n, GroupQuantum)
	}
	if !tg.Empty() {
		t.Fatalf("tg not empty after dispatching exactly what was queued")
	}
}

// TestDispatchRound_ReadQuotaCapsEvenWithoutWrites verifies that exhausting
// the read share stops the round even when GroupQuantum has headroom left
// and no writes are present to use it.
func TestDispatchRound_ReadQuotaCapsEvenWithoutWrites(t *testing.T) {
	root := newSQ(nil, true)
	tg := newTG(TGKey{Group: "g", Device: DeviceID{1, 0}}, 100*time.Millisecond, nil)
	tg.sq.parent = root
	queueBios(tg, Read, 7)

	n := dispatchRound(tg, root, 0, false)
	if n != groupQuantumRead {
		t.Fatalf("dispatched = %d, want %d (read quota cap)", n, groupQuantumRead)
	}
	if tg.sq.queued[Read].NrQueued() != 1 {
		t.Fatalf("remaining queued reads = %d, want 1", tg.sq.queued[Read].NrQueued())
	}
}

// TestDispatchRound_ForceBypassesSplitAndBucket verifies force mode issues
// every queued bio in one round regardless of the 6:2 split or bucket gate,
// short of GroupQuantum itself.
func TestDispatchRound_ForceBypassesSplitAndBucket(t *testing.T) {
	root := newSQ(nil, true)
	tg := newTG(TGKey{Group: "g", Device: DeviceID{1, 0}}, 100*time.Millisecond, nil)
	tg.sq.parent = root
	tg.bucket.SetLimit(Read, Limit{BPS: 1, IOPS: Unlimited})
	tg.RecomputeHasRules()
	queueBios(tg, Read, 8)

	n := dispatchRound(tg, root, 0, true)
	if n != GroupQuantum {
		t.Fatalf("forced dispatch = %d, want %d (every queued bio up to quantum)", n, GroupQuantum)
	}
}

// TestSelectDispatch_OrdersByDisptimeAndCapsAtTotalQuantum verifies several
// sibling TGs parented directly to one root are drained in ascending
// disptime order and that a single invocation never exceeds TotalQuantum.
func TestSelectDispatch_OrdersByDisptimeAndCapsAtTotalQuantum(t *testing.T) {
	root := newSQ(nil, true)

	mk := func(name string, disptime time.Duration, n int) *TG {
		tg := newTG(TGKey{Group: GroupID(name), Device: DeviceID{1, 0}}, 100*time.Millisecond, nil)
		tg.sq.parent = root
		queueBios(tg, Read, n)
		tg.disptime = disptime
		root.EnqueueTG(tg)
		return tg
	}
	tgA := mk("a", 10*time.Millisecond, 2)
	mk("b", 20*time.Millisecond, 2)
	mk("c", 30*time.Millisecond, 2)

	total := selectDispatch(root, root, 100*time.Millisecond, false)
	if total != 6 {
		t.Fatalf("dispatched = %d, want 6 (all queued bios across 3 TGs)", total)
	}

	// tgA had the earliest disptime and must have been dequeued first; by
	// the time selectDispatch returns all three TGs are drained and idle.
	if tgA.flags&flagPending != 0 {
		t.Fatalf("tgA still pending after selectDispatch drained it")
	}
}

func TestSelectDispatch_RespectsDisptimeGateWithoutForce(t *testing.T) {
	root := newSQ(nil, true)
	tg := newTG(TGKey{Group: "g", Device: DeviceID{1, 0}}, 100*time.Millisecond, nil)
	tg.sq.parent = root
	queueBios(tg, Read, 1)
	tg.disptime = 500 * time.Millisecond
	root.EnqueueTG(tg)

	n := selectDispatch(root, root, 0, false)
	if n != 0 {
		t.Fatalf("dispatched = %d before disptime arrived, want 0", n)
	}
}
