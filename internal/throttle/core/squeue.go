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
	"container/heap"
	"sync/atomic"
	"time"

	"throttle/pkg/tbucket"
)

// enqueueSeq hands out the insertion-order tie-break value pendingHeap
// uses.
var enqueueSeq atomic.Uint64

// SQ is a rate-limited dispatcher stage. Every TG owns one (the stage its
// children, and its own self-qnode, feed into); the device root owns one
// too, as the final hand-off to the worker.
type SQ struct {
	// parent is nil for a device-root SQ.
	parent *SQ

	queued [tbucket.NumDirs]*QList

	pending pendingHeap // min-heap of *TG, keyed by (disptime, seq)

	nrPending int

	// isRoot marks the per-device root SQ, which never gates on disptime:
	// bios arriving here are simply handed to the worker.
	isRoot bool

	timer *pendingTimer
}

// newSQ allocates an SQ with empty per-direction queued buckets.
func newSQ(parent *SQ, isRoot bool) *SQ {
	sq := &SQ{parent: parent, isRoot: isRoot}
	for d := Dir(0); d < tbucket.NumDirs; d++ {
		sq.queued[d] = NewQList()
	}
	return sq
}

// NrQueued returns the number of bios queued in this SQ for the single
// direction dir (used by tests and stats).
func (sq *SQ) NrQueued(dir Dir) int { return sq.queued[dir].NrQueued() }

// FirstPendingDisptime returns the leftmost pending TG's disptime and true,
// or (0, false) if the pending tree is empty.
func (sq *SQ) FirstPendingDisptime() (time.Duration, bool) {
	if len(sq.pending) == 0 {
		return 0, false
	}
	return sq.pending[0].disptime, true
}

// EnqueueTG inserts tg into the pending tree. tg must not already be
// PENDING.
func (sq *SQ) EnqueueTG(tg *TG) {
	if tg.flags&flagPending != 0 {
		return
	}
	tg.flags |= flagPending
	tg.seq = enqueueSeq.Add(1)
	heap.Push(&sq.pending, tg)
	sq.nrPending++
}

// DequeueTG removes tg from the pending tree if present.
func (sq *SQ) DequeueTG(tg *TG) {
	if tg.flags&flagPending == 0 {
		return
	}
	heap.Remove(&sq.pending, tg.heapIndex)
	tg.flags &^= flagPending
	tg.heapIndex = -1
	sq.nrPending--
}

// PeekPending returns the leftmost pending TG without removing it, or nil.
func (sq *SQ) PeekPending() *TG {
	if len(sq.pending) == 0 {
		return nil
	}
	return sq.pending[0]
}

// NrPending reports the number of TGs currently linked into the pending
// tree.
func (sq *SQ) NrPending() int { return sq.nrPending }

// ScheduleNextDispatch decides whether the caller should keep dispatching
// synchronously or stop and wait on a timer: if there is nothing pending,
// report done=true (caller should stop). If force is set or the nearest
// disptime is in the future, arm the timer and report done=true; otherwise
// report done=false so the caller may continue dispatching synchronously.
func (sq *SQ) ScheduleNextDispatch(now time.Duration, force bool, armAt func(time.Duration)) (done bool) {
	first, ok := sq.FirstPendingDisptime()
	if !ok {
		return true
	}
	armAt(first)
	if force || first > now {
		return true
	}
	return false
}

// pendingHeap implements container/heap.Interface over *TG, ordered by
// (disptime, insertion order): minimum disptime first, ties broken by
// arrival order.
type pendingHeap []*TG

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].disptime != h[j].disptime {
		return h[i].disptime < h[j].disptime
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *pendingHeap) Push(x any) {
	tg := x.(*TG)
	tg.heapIndex = len(*h)
	*h = append(*h, tg)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	tg := old[n-1]
	old[n-1] = nil
	tg.heapIndex = -1
	*h = old[:n-1]
	return tg
}
