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
	"time"

	"throttle/pkg/tbucket"
)

// TGKey identifies a throttle group: a (group, device) pair, optionally
// scoped to a fake device when FD is nonzero. A device's TGs are held in
// its deviceState.groups map keyed by GroupID; the link from a TG to its
// parent is a *TG pointer, not a key.
type TGKey struct {
	Group  GroupID
	Device DeviceID
	FD     FDID // zero for a TG on the physical device
}

type tgFlags uint8

const (
	flagPending  tgFlags = 1 << iota // linked into parent SQ's pending tree
	flagWasEmpty                     // sq.queued was empty on the last enqueue
)

// TG is a throttle group: one node of the per-device hierarchy, holding a
// token bucket, its own service queue (where its children and its own
// self-originated traffic round-robin), and the bookkeeping needed to take
// its turn in its parent's pending tree.
type TG struct {
	key TGKey

	bucket *tbucket.Bucket

	// hasRules[dir] is true if this TG or any ancestor configures a finite
	// limit for dir, recomputed by the Engine (on every ThrottleBio and
	// config write) and by FakeDevice.SetLimit.
	hasRules [tbucket.NumDirs]bool

	// sq is this TG's own service queue: the stage its children (nested
	// groups, if any) and its own self qnode feed into.
	sq *SQ

	// parent is the TG one level up the hierarchy, or nil if this TG's
	// traffic, once dispatched, lands directly on the device root SQ.
	// Hierarchy construction (attaching a child to a parent TG) is an
	// external collaborator's responsibility; this package only walks
	// whatever shape it is given.
	parent *TG

	// qnodeOnSelf carries bios that originate directly at this TG (as
	// opposed to ones forwarded up from a child); it is linked into this
	// TG's own sq.queued[dir].
	qnodeOnSelf [tbucket.NumDirs]*Qnode

	// qnodeOnParent is this TG's representative in its parent's (or the
	// device root's) sq.queued[dir]: dispatch_tg pushes onto it when
	// forwarding a bio up one level.
	qnodeOnParent [tbucket.NumDirs]*Qnode

	disptime  time.Duration
	flags     tgFlags
	heapIndex int // position within the parent pending heap; -1 if absent
	seq       uint64

	fake    bool  // true if this is a fake-device member TG
	fakeKey FDKey // set when fake is true

	// fdChargeSiblings, set only on fake-device member TGs, charges the
	// owning FD's header and every OTHER member identically whenever this
	// member dispatches a bio. This TG's own bucket is charged separately
	// by the normal dispatch path, so this hook only covers the rest of
	// the FD.
	fdChargeSiblings func(now time.Duration, dir Dir, size int64)
}

// newTG allocates a TG with a bucket of the given slice width, rooted at
// parent (nil for a top-level group on this device).
func newTG(key TGKey, sliceWidth time.Duration, parent *TG) *TG {
	tg := &TG{
		key:       key,
		bucket:    tbucket.New(sliceWidth),
		sq:        newSQ(nil, false),
		parent:    parent,
		heapIndex: -1,
	}
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		tg.qnodeOnSelf[d] = NewQnode(key)
		tg.qnodeOnParent[d] = NewQnode(key)
	}
	if parent != nil {
		tg.sq.parent = parent.sq
	}
	return tg
}

// parentSQ returns the SQ this TG forwards dispatched bios into: its
// parent's own service queue, or root if this TG has no parent.
func (tg *TG) parentSQ(root *SQ) *SQ {
	if tg.parent != nil {
		return tg.parent.sq
	}
	return root
}

// RecomputeHasRules walks upward from this TG: a direction has_rules if
// this TG's own bucket configures it, or any ancestor's does. Limits are
// not inherited as values, but has_rules propagates, so a descendant with
// no limit of its own still queues behind an ancestor's cap.
func (tg *TG) RecomputeHasRules() {
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		has := tg.bucket.HasRules(d)
		if !has {
			for p := tg.parent; p != nil; p = p.parent {
				if p.bucket.HasRules(d) {
					has = true
					break
				}
			}
		}
		tg.hasRules[d] = has
	}
}

// HasRules reports the cached has_rules[dir].
func (tg *TG) HasRules(dir Dir) bool { return tg.hasRules[dir] }

// UpdateDisptime recomputes this TG's disptime from the head bio of its
// own sq.queued: the earliest time this TG's bucket will allow that bio to
// dispatch onward. Returns false if sq.queued is empty (nothing to
// schedule).
func (tg *TG) UpdateDisptime(now time.Duration) bool {
	b := tg.headBio()
	if b == nil {
		return false
	}
	if !tg.HasRules(b.Dir) {
		tg.disptime = now
		return true
	}
	_, wait := tg.bucket.MayDispatch(now, b.Dir, b.Size)
	tg.disptime = now + wait
	return true
}

// headBio peeks the next bio this TG would dispatch: the head of the first
// non-empty sq.queued[dir], checked in the fixed order Read, Write, RandW.
func (tg *TG) headBio() *Bio {
	if b := tg.sq.queued[Read].Peek(); b != nil {
		return b
	}
	if b := tg.sq.queued[Write].Peek(); b != nil {
		return b
	}
	return tg.sq.queued[RandW].Peek()
}

// Empty reports whether this TG currently has nothing queued in any
// direction.
func (tg *TG) Empty() bool {
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		if tg.sq.queued[d].NrQueued() > 0 {
			return false
		}
	}
	return true
}

// TrimAll trims every direction this TG has_rules for; the dispatch path
// calls it after charging a bio. Config writes use RestartAll instead.
func (tg *TG) TrimAll(now time.Duration) {
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		if tg.HasRules(d) {
			tg.bucket.TrimSlice(now, d)
		}
	}
}

// RestartAll restarts the slice for every direction, not just the one a
// config write just changed: a stale slice on an untouched direction could
// otherwise keep stale credit under the new limit.
func (tg *TG) RestartAll(now time.Duration) {
	tg.bucket.RestartSlice(now)
}
