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

import "time"

// dispatchOneFromTG pops one bio from tg's own sq.queued (round-robin, 6:2
// read:write preference within the group's quantum, applied by the
// caller), charges tg's bucket, and forwards the bio to tg's parent (or
// root) service queue.
func dispatchOneFromTG(tg *TG, root *SQ, now time.Duration) *Bio {
	dir, b := popPreferred(tg.sq, now)
	if b == nil {
		return nil
	}
	tg.bucket.Charge(now, dir, b.Size)
	tg.TrimAll(now)
	if tg.fake && tg.fdChargeSiblings != nil {
		tg.fdChargeSiblings(now, dir, b.Size)
	}

	dest := tg.parentSQ(root)
	qn := tg.qnodeOnParent[dir]
	dest.queued[dir].AddBio(b, qn, nil)
	return b
}

// popPreferred pops the next bio from sq's own queued buckets, read
// direction first. Reads are preferred up to their share of the quantum;
// the caller tracks per-round counts and stops asking for more of one
// direction once its share is exhausted, see dispatchRound.
func popPreferred(sq *SQ, now time.Duration) (Dir, *Bio) {
	for _, d := range [...]Dir{Read, Write, RandW} {
		if b := sq.queued[d].Peek(); b != nil {
			popped, _ := sq.queued[d].Pop()
			return d, popped
		}
	}
	return 0, nil
}

// dispatchRound dispatches up to GroupQuantum bios from tg, honoring the
// 6:2 read:write split, stopping early if tg's bucket throttles before the
// quantum is exhausted. Returns the number of bios dispatched.
func dispatchRound(tg *TG, root *SQ, now time.Duration, force bool) int {
	var reads, writes, n int
	for n < GroupQuantum {
		b := tg.headBio()
		if b == nil {
			break
		}
		if !force && b.Dir != RandW {
			if b.Dir == Read && reads >= groupQuantumRead && writes < groupQuantumWrite {
				break
			}
			if b.Dir == Write && writes >= groupQuantumWrite && reads < groupQuantumRead {
				break
			}
		}
		if !force && tg.HasRules(b.Dir) {
			ok, _ := tg.bucket.MayDispatch(now, b.Dir, b.Size)
			if !ok {
				break
			}
		}
		dispatched := dispatchOneFromTG(tg, root, now)
		if dispatched == nil {
			break
		}
		n++
		switch dispatched.Dir {
		case Read:
			reads++
		case Write:
			writes++
		default:
			reads++
			writes++
		}
	}
	return n
}

// selectDispatch pops TGs from sq's pending tree in disptime order,
// dispatches a round from each, and pushes TGs that still have work back
// into the tree at their new disptime. Stops once TotalQuantum bios have
// been dispatched in this invocation or nothing more is ready at or before
// now.
//
// Before dispatching from a TG, its own service queue is drained first
// (recursively), since a nested group's children must have forwarded their
// bios into the TG's sq.queued before the TG has anything fresh to offer
// its own parent. force bypasses the disptime gate entirely, force-issuing
// every queued bio regardless of the bucket's verdict (drain semantics).
func selectDispatch(sq *SQ, root *SQ, now time.Duration, force bool) int {
	total := 0
	for total < TotalQuantum {
		tg := sq.PeekPending()
		if tg == nil || (!force && tg.disptime > now) {
			break
		}
		sq.DequeueTG(tg)
		selectDispatch(tg.sq, root, now, force)
		n := dispatchRound(tg, root, now, force)
		total += n
		if tg.UpdateDisptime(now) {
			sq.EnqueueTG(tg)
		}
		if n == 0 {
			// Nothing actually moved (shouldn't normally happen since
			// disptime<=now implied readiness); avoid spinning forever.
			break
		}
	}
	return total
}
