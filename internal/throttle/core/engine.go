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
	"sync/atomic"
	"time"
)

// Engine is the throttling dispatch engine: the external-facing entry
// point wrapping a Registry, a bio resubmission sink, and the clock every
// bucket measures against.
type Engine struct {
	registry *Registry
	sink     BioSubmitter
	resolver PartitionResolver
	clock    func() time.Duration

	seq atomic.Uint64
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithPartitionResolver overrides the default NoPartitions resolver, used
// to reject configuration writes that target a partition rather than a
// whole device.
func WithPartitionResolver(r PartitionResolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithClock overrides the engine's notion of "now", for deterministic
// tests; production code should leave this at the default wall clock.
func WithClock(clock func() time.Duration) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an Engine. sliceWidth is the token-bucket slice width
// every new throttle group is built with; sink receives bios once the
// engine decides they are ready to leave.
func NewEngine(sliceWidth time.Duration, sink BioSubmitter, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: NewRegistry(sliceWidth),
		sink:     sink,
		resolver: NoPartitions{},
		clock:    monotonicNow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var processStart = time.Now()

func monotonicNow() time.Duration { return time.Since(processStart) }

func (e *Engine) now() time.Duration { return e.clock() }

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

// Registry exposes the underlying arena, for the admin surface and tests.
func (e *Engine) Registry() *Registry { return e.registry }

// ThrottleBio routes bio to its (group, device) TG (and any fake device
// spanning that pair), evaluates both axes, and either lets the caller
// submit immediately (false) or takes ownership of the bio and arranges
// for it to be resubmitted later (true).
func (e *Engine) ThrottleBio(b *Bio) bool {
	if b.throttled {
		return false
	}
	now := e.now()
	d := e.registry.DeviceState(b.Device)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = time.Now()

	tg := d.getOrCreateTG(b.Group, e.registry.sliceWidth)
	tg.RecomputeHasRules()

	physOK, _ := mayDispatchChain(tg, now, b.Dir, b.Size)

	var fd *FakeDevice
	var member *TG
	fdOK := true
	if physOK {
		for _, fk := range e.registry.FDsFor(b.Group, b.Device) {
			cand, m := e.registry.AddFDMember(fk, b.Device)
			fd, member = cand, m
			ok, _ := fd.MayDispatchMember(b.Device, now, b.Dir, b.Size)
			if !ok {
				fdOK = false
				break
			}
		}
	}

	if physOK && fdOK {
		chargeChain(tg, now, b.Dir, b.Size)
		if fd != nil {
			fd.ChargeRecursive(now, b.Dir, b.Size)
			fd.UpdateQueueNr(b.Dir)
		}
		b.throttled = true
		return false
	}

	b.throttled = true
	b.seq = e.nextSeq()
	if !physOK {
		enqueueSelf(tg, d.root, b, now)
	} else {
		enqueueSelf(member, d.root, b, now)
		fd.UpdateQueueNr(b.Dir)
	}

	runDispatchLoopLocked(d, e.clock, e.sink, false)
	return true
}

// enqueueSelf links b into tg's own self qnode and, if tg was not already
// pending, computes its disptime and inserts it into the appropriate
// parent pending tree, moving tg from IDLE to PENDING.
func enqueueSelf(tg *TG, root *SQ, b *Bio, now time.Duration) {
	qn := tg.qnodeOnSelf[b.Dir]
	tg.sq.queued[b.Dir].AddBio(b, qn, nil)
	if tg.flags&flagPending == 0 {
		if tg.UpdateDisptime(now) {
			tg.parentSQ(root).EnqueueTG(tg)
		}
	}
}

// runDispatchLoopLocked is runDispatchLoop's body, reentered here because
// ThrottleBio already holds d.mu when a newly queued bio's TG becomes
// immediately ready (disptime <= now).
func runDispatchLoopLocked(d *deviceState, clock func() time.Duration, sink BioSubmitter, force bool) {
	for {
		now := clock()
		n := selectDispatch(d.root, d.root, now, force)
		submitReady(d.root, sink)
		done := d.root.ScheduleNextDispatch(now, force, func(at time.Duration) {
			d.armTimerLocked(at, clock, sink)
		})
		if done || n == 0 {
			return
		}
	}
}

// Pump manually drives dev's dispatch loop once at the engine's current
// clock time. Production code relies on each SQ's pendingTimer firing this
// automatically; callers that step a manual clock (tests) or that prefer
// polling over timers can call Pump directly instead.
func (e *Engine) Pump(dev DeviceID) {
	d := e.registry.DeviceState(dev)
	d.mu.Lock()
	defer d.mu.Unlock()
	runDispatchLoopLocked(d, e.clock, e.sink, false)
}

// ApplyConfig mutates the token bucket identified by line (parsed by
// config.go): trims every affected direction, recomputes has_rules across
// the whole subtree, and re-arms the pending timer if the TG is currently
// PENDING.
func (e *Engine) ApplyConfig(line ConfigLine) error {
	partition, err := e.resolver.Partition(line.Device.Major, line.Device.Minor)
	if err != nil {
		return err
	}
	if partition != 0 {
		return ErrInvalidArgument
	}

	d := e.registry.DeviceState(line.Device)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dying {
		return ErrDeviceDying
	}

	now := e.now()

	if line.FD != 0 {
		fd, _ := e.registry.AddFDMember(FDKey{Group: line.Group, FD: line.FD}, line.Device)
		lim := fd.header.bucket.Limit(line.Dir)
		switch line.Metric {
		case MetricBPS:
			lim.BPS = line.Value
		case MetricIOPS:
			lim.IOPS = line.Value
		}
		fd.SetLimit(line.Dir, lim)
		fd.header.RestartAll(now)
		for _, m := range fd.members {
			m.RestartAll(now)
		}
		return nil
	}

	tg := d.getOrCreateTG(line.Group, e.registry.sliceWidth)
	lim := tg.bucket.Limit(line.Dir)
	switch line.Metric {
	case MetricBPS:
		lim.BPS = line.Value
	case MetricIOPS:
		lim.IOPS = line.Value
	}
	tg.bucket.SetLimit(line.Dir, lim)
	tg.RestartAll(now)
	recomputeHasRulesSubtree(d, tg)
	if tg.flags&flagPending != 0 {
		if tg.UpdateDisptime(now) {
			// still pending at (possibly) a new disptime; the owning SQ's
			// heap position is fixed up by re-enqueuing.
			owner := tg.parentSQ(d.root)
			owner.DequeueTG(tg)
			owner.EnqueueTG(tg)
			if at, ok := d.root.FirstPendingDisptime(); ok {
				d.armTimerLocked(at, e.clock, e.sink)
			}
		}
	}
	return nil
}

// recomputeHasRulesSubtree re-derives has_rules for changed and every
// descendant TG reachable on this device. Descendants are TGs parented
// (directly or transitively) to changed; this implementation is a flat
// scan since this device's groups map already holds every TG rooted here.
func recomputeHasRulesSubtree(d *deviceState, changed *TG) {
	changed.RecomputeHasRules()
	for _, tg := range d.groups {
		if isDescendant(tg, changed) {
			tg.RecomputeHasRules()
		}
	}
}

func isDescendant(tg, ancestor *TG) bool {
	for p := tg.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Drain forces every queued bio on dev out to the sink immediately,
// bypassing every bucket gate, leaving every TG queue-empty. Bios admitted
// after Drain returns throttle normally.
func (e *Engine) Drain(dev DeviceID) {
	d := e.registry.DeviceState(dev)
	runDispatchLoopForDrain(d, e.clock, e.sink)
}

func runDispatchLoopForDrain(d *deviceState, clock func() time.Duration, sink BioSubmitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		now := clock()
		n := selectDispatch(d.root, d.root, now, true)
		submitReady(d.root, sink)
		if n == 0 {
			return
		}
	}
}

// Exit tears down dev: marks it dying (rejecting further config writes),
// stops its pending timer, and releases its throttle groups. Callers must
// Drain first if in-flight bios should be preserved rather than dropped.
func (e *Engine) Exit(dev DeviceID) {
	e.registry.MarkGroupOffline(dev)
	d := e.registry.DeviceState(dev)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root.timer != nil {
		d.root.timer.stop()
	}
	d.groups = make(map[GroupID]*TG)
}
