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
	"sync"
	"testing"
	"time"
)

// recorder is a BioSubmitter that records the bios handed back to it, for
// assertions on ordering and count.
type recorder struct {
	mu   sync.Mutex
	bios []*Bio
}

func (r *recorder) Submit(b *Bio) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bios = append(r.bios, b)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bios)
}

// manualClock lets a test drive the engine's notion of "now" without
// waiting on real time; pair with Engine.Pump to synchronously re-run the
// dispatch loop at the new time instead of waiting for the pending timer.
type manualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *manualClock) get() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var testDevice = DeviceID{Major: 8, Minor: 0}

// TestEngine_BPSCapScenario saturates a read BPS cap and checks the second
// half of a burst dispatches one slice later.
func TestEngine_BPSCapScenario(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	e := NewEngine(100*time.Millisecond, rec, WithClock(clock.get))

	if err := e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Read, Metric: MetricBPS, Value: 1 << 20}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	const bioSize = 64 << 10
	immediate := 0
	for i := 0; i < 32; i++ {
		b := &Bio{Dir: Read, Size: bioSize, Device: testDevice, Group: "g"}
		if !e.ThrottleBio(b) {
			immediate++
		}
	}
	if immediate != 16 {
		t.Fatalf("immediate dispatches = %d, want 16", immediate)
	}
	if rec.count() != 0 {
		t.Fatalf("submitted by engine before any slice = %d, want 0 (immediate passes go back to the caller)", rec.count())
	}

	clock.set(100 * time.Millisecond)
	e.Pump(testDevice)
	if rec.count() != 16 {
		t.Fatalf("submitted after 100ms = %d, want 16", rec.count())
	}
}

// TestEngine_IOPSAndBPSCompose checks that when both a BPS and an IOPS cap
// apply, the tighter one governs the wait.
func TestEngine_IOPSAndBPSCompose(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	e := NewEngine(100*time.Millisecond, rec, WithClock(clock.get))

	e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Write, Metric: MetricBPS, Value: 1 << 20})
	e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Write, Metric: MetricIOPS, Value: 4})

	const bioSize = 512 << 10
	immediate := 0
	for i := 0; i < 8; i++ {
		b := &Bio{Dir: Write, Size: bioSize, Device: testDevice, Group: "g"}
		if !e.ThrottleBio(b) {
			immediate++
		}
	}
	if immediate != 2 {
		t.Fatalf("immediate dispatches = %d, want 2 (bps-bound: 1MiB/512KiB)", immediate)
	}

	clock.set(100 * time.Millisecond)
	e.Pump(testDevice)
	if rec.count() != 2 {
		t.Fatalf("submitted after 100ms = %d, want 2", rec.count())
	}

	clock.set(200 * time.Millisecond)
	e.Pump(testDevice)
	if rec.count() != 4 {
		t.Fatalf("submitted after 200ms = %d, want 4", rec.count())
	}
}

// TestEngine_DrainForceIssuesEverything checks that draining a device with
// many TGs queued force-issues every bio and leaves every TG empty.
func TestEngine_DrainForceIssuesEverything(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	e := NewEngine(100*time.Millisecond, rec, WithClock(clock.get))
	e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Read, Metric: MetricBPS, Value: 1024})

	total := 0
	for g := 0; g < 3; g++ {
		group := GroupID("g")
		if g > 0 {
			group = GroupID("g-extra")
		}
		for i := 0; i < 34; i++ {
			b := &Bio{Dir: Read, Size: 4096, Device: testDevice, Group: group}
			if !e.ThrottleBio(b) {
				total++
			}
		}
	}
	if rec.count() != 0 {
		t.Fatalf("before drain: submitted = %d, want 0 (immediate passes go back to the caller)", rec.count())
	}

	e.Drain(testDevice)

	if rec.count() != 102-total {
		t.Fatalf("after drain: submitted = %d, want %d (every queued bio)", rec.count(), 102-total)
	}

	d := e.registry.DeviceState(testDevice)
	d.mu.Lock()
	for _, tg := range d.groups {
		if !tg.Empty() {
			t.Fatalf("tg %+v not empty after drain", tg.key)
		}
	}
	d.mu.Unlock()
}

// TestEngine_LimitChangeMidFlightRestartsSlice checks that a limit change
// mid-flight restarts the slice and zeroes accumulated consumption.
func TestEngine_LimitChangeMidFlightRestartsSlice(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	e := NewEngine(100*time.Millisecond, rec, WithClock(clock.get))
	e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Read, Metric: MetricBPS, Value: 10 << 20})

	b := &Bio{Dir: Read, Size: 512 << 10, Device: testDevice, Group: "g"}
	if e.ThrottleBio(b) {
		t.Fatalf("first bio should dispatch immediately under a generous limit")
	}

	clock.set(50 * time.Millisecond)
	if err := e.ApplyConfig(ConfigLine{Group: "g", Device: testDevice, Dir: Read, Metric: MetricBPS, Value: 1 << 20}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	d := e.registry.DeviceState(testDevice)
	d.mu.Lock()
	tg := d.groups["g"]
	bytesDisp, _ := tg.bucket.Disp(Read)
	d.mu.Unlock()
	if bytesDisp != 0 {
		t.Fatalf("bytesDisp after RestartAll = %d, want 0", bytesDisp)
	}
}
