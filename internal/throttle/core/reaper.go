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

// This file implements the background reaper: a two-goroutine loop that
// periodically flushes stats snapshots and evicts idle throttle groups,
// mirroring the commit/eviction worker shape this codebase
// has used for its other background stores.
package core

import (
	"sync"
	"time"

	"throttle/pkg/tbucket"
)

// StatsSink receives periodic per-TG stats snapshots: bytes and IO
// dispatched per direction. Exporting them to Prometheus, Redis, or
// anywhere else is the sink implementation's concern.
type StatsSink interface {
	ExportTG(key TGKey, dir Dir, bytesDisp, ioDisp int64)
}

// Reaper periodically flushes stats snapshots for every known TG and evicts
// throttle groups on devices that have admitted no bio for evictionAge.
// Fake devices are not evicted. It never touches dispatch state directly:
// eviction only drops a TG from the registry once its service queue is
// empty and it is not pending.
type Reaper struct {
	registry         *Registry
	sink             StatsSink
	flushInterval    time.Duration
	evictionInterval time.Duration
	evictionAge      time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReaper creates a reaper. A nil sink disables stats flushing (eviction
// still runs).
func NewReaper(registry *Registry, sink StatsSink, flushInterval, evictionInterval, evictionAge time.Duration) *Reaper {
	return &Reaper{
		registry:         registry,
		sink:             sink,
		flushInterval:    flushInterval,
		evictionInterval: evictionInterval,
		evictionAge:      evictionAge,
		stopChan:         make(chan struct{}),
	}
}

// Start launches the background goroutines.
func (r *Reaper) Start() {
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.flushLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.evictionLoop()
	}()
}

// Stop halts both background goroutines and waits for them to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Reaper) flushLoop() {
	if r.flushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runFlushCycle()
		case <-r.stopChan:
			r.runFlushCycle()
			return
		}
	}
}

func (r *Reaper) runFlushCycle() {
	if r.sink == nil {
		return
	}
	r.registry.ForEachDevice(func(d *deviceState) {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, tg := range d.groups {
			r.exportTGLocked(tg)
		}
	})
}

func (r *Reaper) exportTGLocked(tg *TG) {
	for dir := Dir(0); dir < tbucket.NumDirs; dir++ {
		bytesDisp, ioDisp := tg.bucket.Disp(dir)
		r.sink.ExportTG(tg.key, dir, bytesDisp, ioDisp)
	}
}

func (r *Reaper) evictionLoop() {
	if r.evictionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runEvictionCycle()
		case <-r.stopChan:
			return
		}
	}
}

// runEvictionCycle removes TGs that have been idle (no queued bios, not
// pending) for at least evictionAge. A TG's lastSeen is bumped on every bio
// admitted through it (tracked on the owning deviceState since individual
// TGs are short-lived relative to a device).
func (r *Reaper) runEvictionCycle() {
	cutoff := time.Now().Add(-r.evictionAge)
	r.registry.ForEachDevice(func(d *deviceState) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.lastSeen.After(cutoff) {
			return
		}
		for group, tg := range d.groups {
			if tg.Empty() && tg.flags&flagPending == 0 {
				delete(d.groups, group)
			}
		}
	})
}
