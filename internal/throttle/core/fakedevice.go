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

// FDKey identifies a fake device: a group's own logical aggregate queue,
// independent of which physical devices it happens to span.
type FDKey struct {
	Group GroupID
	FD    FDID
}

// FakeDevice is the second throttling axis: one header TG that
// holds the group's logical limit for this fake device, and one member TG
// per physical device the fake device currently spans. A bio crossing a
// member must clear both its physical-device TG chain and its fake-device
// member chain before it is allowed to dispatch.
type FakeDevice struct {
	key     FDKey
	header  *TG
	members map[DeviceID]*TG

	// nrQueued is the header's aggregate queued-bio counter per direction:
	// the sum over members, lowered whenever a fresh sum is smaller and
	// raised to a fresh sum only while it is zero.
	nrQueued [tbucket.NumDirs]int
}

func newFakeDevice(key FDKey, sliceWidth time.Duration) *FakeDevice {
	return &FakeDevice{
		key:     key,
		header:  newTG(TGKey{Group: key.Group, FD: key.FD}, sliceWidth, nil),
		members: make(map[DeviceID]*TG),
	}
}

// memberFor returns (creating if needed) the member TG for dev. A member
// TG's dispatch parent is the physical device's root SQ, never the FD
// header: the header is an accounting aggregate only, and never a dispatch
// stage. A member TG therefore has no TG parent (tg.parent stays
// nil) and forwards straight to whichever device root it is dispatched
// under; its limits instead come from the header by direct copy
// (SetLimit), not by ancestor walk.
func (fd *FakeDevice) memberFor(dev DeviceID, sliceWidth time.Duration) *TG {
	if m, ok := fd.members[dev]; ok {
		return m
	}
	m := newTG(TGKey{Group: fd.key.Group, Device: dev, FD: fd.key.FD}, sliceWidth, nil)
	m.fake = true
	m.fakeKey = fd.key
	m.bucket.SetLimit(Read, fd.header.bucket.Limit(Read))
	m.bucket.SetLimit(Write, fd.header.bucket.Limit(Write))
	m.bucket.SetLimit(RandW, fd.header.bucket.Limit(RandW))
	m.RecomputeHasRules()
	fd.members[dev] = m
	return m
}

// SetLimit implements "limit-copy-on-update": a fake device has
// one logical limit, so writing it updates the header and every existing
// member's bucket identically, then recomputes has_rules for all of them.
func (fd *FakeDevice) SetLimit(dir Dir, lim Limit) {
	fd.header.bucket.SetLimit(dir, lim)
	fd.header.RecomputeHasRules()
	for _, m := range fd.members {
		m.bucket.SetLimit(dir, lim)
		m.RecomputeHasRules()
	}
}

// UpdateQueueNr recomputes the header's aggregate nr_queued[dir] by summing
// every member's own queued count, then clamps the result downward: a
// concurrent dispatcher may have already removed bios a stale summation
// would still count, so a larger sum replaces the stored aggregate only
// when that aggregate is zero.
func (fd *FakeDevice) UpdateQueueNr(dir Dir) {
	sum := 0
	for _, m := range fd.members {
		sum += m.sq.queued[dir].NrQueued()
	}
	if sum < fd.nrQueued[dir] {
		fd.nrQueued[dir] = sum
	} else if fd.nrQueued[dir] == 0 {
		fd.nrQueued[dir] = sum
	}
}

// NrQueued returns the header's last-recomputed aggregate for dir.
func (fd *FakeDevice) NrQueued(dir Dir) int { return fd.nrQueued[dir] }

// MayDispatchMember evaluates dev's member TG bucket alone: member TGs have
// no dispatch parent, so there is no ancestor chain to walk here; the
// member's own bucket already carries the header's copied-down limit.
func (fd *FakeDevice) MayDispatchMember(dev DeviceID, now time.Duration, dir Dir, size int64) (ok bool, wait time.Duration) {
	m, present := fd.members[dev]
	if !present || !m.bucket.HasRules(dir) {
		return true, 0
	}
	return m.bucket.MayDispatch(now, dir, size)
}

// ChargeRecursive charges an FD-gated bio against the header and every member
// TG of the same FD identically, trimming each afterward, regardless of
// which member actually carried the bio.
func (fd *FakeDevice) ChargeRecursive(now time.Duration, dir Dir, size int64) {
	fd.header.bucket.Charge(now, dir, size)
	fd.header.TrimAll(now)
	for _, m := range fd.members {
		m.bucket.Charge(now, dir, size)
		m.TrimAll(now)
	}
}

// mayDispatchChain walks tg and its physical-hierarchy ancestors, returning
// whether all of them currently permit a bio of (dir, size) at now, and the
// longest wait any ancestor with has_rules reports.
func mayDispatchChain(tg *TG, now time.Duration, dir Dir, size int64) (ok bool, wait time.Duration) {
	ok = true
	for t := tg; t != nil; t = t.parent {
		if !t.bucket.HasRules(dir) {
			continue
		}
		o, w := t.bucket.MayDispatch(now, dir, size)
		if !o {
			ok = false
		}
		if w > wait {
			wait = w
		}
	}
	return ok, wait
}

// chargeChain charges a dispatched bio against tg and every physical
// ancestor, trimming each afterward.
func chargeChain(tg *TG, now time.Duration, dir Dir, size int64) {
	for t := tg; t != nil; t = t.parent {
		t.bucket.Charge(now, dir, size)
		t.TrimAll(now)
	}
}
