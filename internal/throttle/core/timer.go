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
	"time"

	"throttle/pkg/tbucket"
)

// pendingTimer is the per-SQ delayed-dispatch driver: when
// ScheduleNextDispatch decides the next ready TG is not ready yet, it arms
// this timer to fire at that disptime, re-running the dispatch loop under
// the owning device's lock once it does.
type pendingTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// arm schedules fire to run after delay, replacing any earlier pending
// firing: a TG becoming newly pending at an earlier time should pull the
// firing in, never push it out.
func (pt *pendingTimer) arm(delay time.Duration, fire func()) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.t != nil {
		pt.t.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	pt.t = time.AfterFunc(delay, fire)
}

// stop cancels any armed firing, used during drain/teardown.
func (pt *pendingTimer) stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.t != nil {
		pt.t.Stop()
	}
}

// armTimerLocked arms d.root's pendingTimer to re-run runDispatchLoop at
// absolute time at (measured on clock's clock), submitting the results to
// sink. Caller must hold d.mu.
func (d *deviceState) armTimerLocked(at time.Duration, clock func() time.Duration, sink BioSubmitter) {
	if d.root.timer == nil {
		d.root.timer = &pendingTimer{}
	}
	delay := at - clock()
	d.root.timer.arm(delay, func() {
		runDispatchLoop(d, clock, sink, false)
	})
}

// runDispatchLoop is the per-device worker entry point: it acquires d.mu
// and delegates to runDispatchLoopLocked (engine.go), which
// repeatedly dispatches everything ready right now, submits the resulting
// bios to sink, and arms the timer for the next disptime if anything
// remains pending.
func runDispatchLoop(d *deviceState, clock func() time.Duration, sink BioSubmitter, force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	runDispatchLoopLocked(d, clock, sink, force)
}

// submitReady drains root's queued[] (bios that have cleared every gate in
// the hierarchy and have nowhere further to wait) and hands each to sink.
func submitReady(root *SQ, sink BioSubmitter) {
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		for {
			b, _ := root.queued[d].Pop()
			if b == nil {
				break
			}
			sink.Submit(b)
		}
	}
}
