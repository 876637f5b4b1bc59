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

// Package tbucket implements the time-sliced token-bucket credit model used
// by every throttle group: for each of {Read, Write, RandW} it tracks a
// fixed-width accounting window and two consumption counters, and answers
// whether a bio of a given size may dispatch now or how long it must wait.
//
// Bucket itself holds no lock: callers serialize access (the engine's
// per-device queue lock owns every Bucket reachable from that device), so
// the hot path here is a handful of field reads/writes, never an atomic.
package tbucket

import "time"

// Dir is the direction axis a bio (or a limit) is indexed by.
type Dir int

const (
	Read Dir = iota
	Write
	RandW
	NumDirs
)

func (d Dir) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	case RandW:
		return "randw"
	default:
		return "unknown"
	}
}

// Unlimited is the sentinel used by the wire format and the Limit type for
// "no limit configured".
const Unlimited int64 = -1

// TickRate is the unit limits are expressed in: bps/iops are "per second".
const TickRate = time.Second

// MinWait is the smallest nonzero wait ever reported: waits saturate at one
// tick minimum.
const MinWait = time.Millisecond

// Limit is a (bps, iops) pair for one direction. Unlimited (-1) means no cap.
type Limit struct {
	BPS  int64
	IOPS int64
}

func (l Limit) bpsUnlimited() bool  { return l.BPS == Unlimited }
func (l Limit) iopsUnlimited() bool { return l.IOPS == Unlimited }

// Unlimited reports whether neither bps nor iops is configured for l.
func (l Limit) Unlimited() bool { return l.bpsUnlimited() && l.iopsUnlimited() }

type sliceWindow struct {
	start, end         time.Duration
	bytesDisp, ioDisp  int64
	started            bool
}

func (s *sliceWindow) used(now time.Duration) bool {
	return !s.started || now < s.start || now >= s.end
}

// Bucket is the per-TG, per-direction token bucket.
type Bucket struct {
	sliceWidth time.Duration
	limit      [NumDirs]Limit
	slice      [NumDirs]sliceWindow
}

// New creates a Bucket with the given slice width (default 100ms) and all
// limits unlimited.
func New(sliceWidth time.Duration) *Bucket {
	if sliceWidth <= 0 {
		sliceWidth = 100 * time.Millisecond
	}
	b := &Bucket{sliceWidth: sliceWidth}
	for d := Dir(0); d < NumDirs; d++ {
		b.limit[d] = Limit{BPS: Unlimited, IOPS: Unlimited}
	}
	return b
}

// SliceWidth returns the configured slice width S.
func (b *Bucket) SliceWidth() time.Duration { return b.sliceWidth }

// SetLimit installs a new limit for dir. Callers are responsible for the
// config-write contract (trim/restart slices, recompute has_rules, re-arm
// timers); Bucket itself only stores the value.
func (b *Bucket) SetLimit(dir Dir, lim Limit) { b.limit[dir] = lim }

// Limit returns the currently configured limit for dir.
func (b *Bucket) Limit(dir Dir) Limit { return b.limit[dir] }

// HasRules reports whether dir has a finite limit on this bucket alone
// (ancestor contributions are the caller's responsibility).
func (b *Bucket) HasRules(dir Dir) bool { return !b.limit[dir].Unlimited() }

// RestartSlice forcibly resets every direction's slice to start at now with
// zero consumption, used when a limit changes mid-flight.
func (b *Bucket) RestartSlice(now time.Duration) {
	for d := Dir(0); d < NumDirs; d++ {
		b.slice[d] = sliceWindow{start: now, end: now + b.sliceWidth, started: true}
	}
}

// fastPathEligible implements the all-unlimited bypass: a direction's
// MayDispatch only needs to consider dir and RandW, so the fast path checks
// exactly those two limits.
func (b *Bucket) fastPathEligible(dir Dir) bool {
	if dir == RandW {
		return b.limit[RandW].Unlimited()
	}
	return b.limit[dir].Unlimited() && b.limit[RandW].Unlimited()
}

// MayDispatch decides whether a bio of the given size in direction dir may
// dispatch at time now. It composes the dir-specific check with the RandW
// combined check (unless dir is itself RandW), taking the max wait of the
// two, and of the bps/iops waits within each.
func (b *Bucket) MayDispatch(now time.Duration, dir Dir, size int64) (ok bool, wait time.Duration) {
	if b.fastPathEligible(dir) {
		return true, 0
	}
	okDir, waitDir := b.checkOne(now, dir, size)
	if dir == RandW {
		return okDir, waitDir
	}
	okRand, waitRand := b.checkOne(now, RandW, size)
	wait = waitDir
	if waitRand > wait {
		wait = waitRand
	}
	return okDir && okRand, wait
}

// checkOne evaluates the bps/iops wait for a single direction index,
// rolling its slice window forward first if the current one has expired.
func (b *Bucket) checkOne(now time.Duration, d Dir, size int64) (ok bool, wait time.Duration) {
	sw := &b.slice[d]
	if sw.used(now) {
		sw.start = now
		sw.end = now + b.sliceWidth
		sw.bytesDisp = 0
		sw.ioDisp = 0
		sw.started = true
	} else if sw.end < now+b.sliceWidth {
		sw.end = now + b.sliceWidth
	}

	bpsWait := waitFor(b.limit[d].BPS, sw.bytesDisp+size, sw.start, now, b.sliceWidth)
	iopsWait := waitFor(b.limit[d].IOPS, sw.ioDisp+1, sw.start, now, b.sliceWidth)
	wait = bpsWait
	if iopsWait > wait {
		wait = iopsWait
	}
	if wait > 0 {
		if sw.end < now+wait {
			sw.end = now + wait
		}
		return false, wait
	}
	return true, 0
}

// waitFor computes how long (if at all) a counter must wait before `want`
// units are permitted under `limit` units/second, given the slice started
// at `start` and now is `now`. Returns 0 if `limit` is unlimited or `want`
// already fits.
func waitFor(limit, want int64, start, now, sliceWidth time.Duration) time.Duration {
	if limit == Unlimited {
		return 0
	}
	elapsed := now - start
	if elapsed < sliceWidth {
		elapsed = sliceWidth
	}
	// Round up to a whole multiple of sliceWidth.
	if rem := elapsed % sliceWidth; rem != 0 {
		elapsed += sliceWidth - rem
	}
	allowed := limit * int64(elapsed) / int64(TickRate)
	if want <= allowed {
		return 0
	}
	deficit := want - allowed
	waitTicks := time.Duration(deficit) * TickRate / time.Duration(limit)
	if waitTicks < MinWait {
		waitTicks = MinWait
	}
	return waitTicks
}

// Charge records a dispatched bio of size bytes against dir and, if dir is
// not itself RandW, against the combined RandW counters too.
func (b *Bucket) Charge(now time.Duration, dir Dir, size int64) {
	b.chargeOne(now, dir, size)
	if dir != RandW {
		b.chargeOne(now, RandW, size)
	}
}

func (b *Bucket) chargeOne(now time.Duration, d Dir, size int64) {
	sw := &b.slice[d]
	if sw.used(now) {
		sw.start = now
		sw.end = now + b.sliceWidth
		sw.bytesDisp = 0
		sw.ioDisp = 0
		sw.started = true
	}
	sw.bytesDisp += size
	sw.ioDisp++
}

// TrimSlice reclaims credit for whole elapsed slice widths, preventing
// unbounded future-dated deficits when limits are temporarily slack. Call
// for every direction the TG has_rules for, after every dispatch attempt.
func (b *Bucket) TrimSlice(now time.Duration, dir Dir) {
	sw := &b.slice[dir]
	if !sw.started {
		return
	}
	n := int64((now - sw.start) / b.sliceWidth)
	if n <= 0 {
		return
	}
	lim := b.limit[dir]
	if lim.BPS != Unlimited {
		dec := lim.BPS * int64(b.sliceWidth) * n / int64(TickRate)
		sw.bytesDisp -= dec
		if sw.bytesDisp < 0 {
			sw.bytesDisp = 0
		}
	}
	if lim.IOPS != Unlimited {
		dec := lim.IOPS * int64(b.sliceWidth) * n / int64(TickRate)
		sw.ioDisp -= dec
		if sw.ioDisp < 0 {
			sw.ioDisp = 0
		}
	}
	sw.start += time.Duration(n) * b.sliceWidth
	if sw.end < sw.start+b.sliceWidth {
		sw.end = sw.start + b.sliceWidth
	}
}

// Disp returns the current (bytesDisp, ioDisp) counters for dir, for tests
// and stats export.
func (b *Bucket) Disp(dir Dir) (bytes, io int64) {
	sw := &b.slice[dir]
	return sw.bytesDisp, sw.ioDisp
}

// SliceBounds returns the current [start,end) of dir's slice, for tests.
func (b *Bucket) SliceBounds(dir Dir) (start, end time.Duration) {
	sw := &b.slice[dir]
	return sw.start, sw.end
}
