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
)

// deviceState is everything rooted at one physical device: its dispatch
// root, its top-level (parent-less) throttle groups, and the lock that
// serializes every operation touching this device's hierarchy.
//
// deviceState.mu is always the OUTER lock: code that also needs a
// Registry's own mutex (to reach cross-device FakeDevice state) acquires
// deviceState.mu first and Registry.mu second, never the reverse (enforced
// by registry_test.go).
type deviceState struct {
	mu sync.Mutex

	id     DeviceID
	root   *SQ
	groups map[GroupID]*TG

	lastSeen time.Time
	dying    bool
}

func newDeviceState(id DeviceID) *deviceState {
	return &deviceState{
		id:       id,
		root:     newSQ(nil, true),
		groups:   make(map[GroupID]*TG),
		lastSeen: time.Now(),
	}
}

// getOrCreateTG returns the top-level physical TG for group on this device,
// creating it with the given slice width if absent. Caller must hold d.mu.
func (d *deviceState) getOrCreateTG(group GroupID, sliceWidth time.Duration) *TG {
	if tg, ok := d.groups[group]; ok {
		return tg
	}
	tg := newTG(TGKey{Group: group, Device: d.id}, sliceWidth, nil)
	tg.sq.parent = d.root
	d.groups[group] = tg
	return tg
}

// Registry is the arena for every TG and FakeDevice the engine knows about:
// groups are held by stable key (never by pointer cycle) inside maps
// guarded by explicit mutexes, since the keys form a real hierarchy that
// must be walked and mutated atomically (recomputing has_rules across a
// whole subtree on one config write).
// groupDeviceKey indexes which fake devices a (group, physical device) pair
// currently feeds into, built up as hybrid_* config writes add members.
type groupDeviceKey struct {
	Group  GroupID
	Device DeviceID
}

type Registry struct {
	mu          sync.Mutex // the "cg_lock" analogue: guards fakeDevices and membership
	fakeDevices map[FDKey]*FakeDevice
	membership  map[groupDeviceKey][]FDKey

	devicesMu sync.RWMutex
	devices   map[DeviceID]*deviceState

	sliceWidth time.Duration
}

// NewRegistry creates an empty registry. sliceWidth is the token-bucket
// slice width (default 100ms) every new TG/FakeDevice is built with.
func NewRegistry(sliceWidth time.Duration) *Registry {
	if sliceWidth <= 0 {
		sliceWidth = 100 * time.Millisecond
	}
	return &Registry{
		fakeDevices: make(map[FDKey]*FakeDevice),
		membership:  make(map[groupDeviceKey][]FDKey),
		devices:     make(map[DeviceID]*deviceState),
		sliceWidth:  sliceWidth,
	}
}

// DeviceState returns (creating if absent) the device state for id.
func (r *Registry) DeviceState(id DeviceID) *deviceState {
	r.devicesMu.RLock()
	d, ok := r.devices[id]
	r.devicesMu.RUnlock()
	if ok {
		return d
	}
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	if d, ok = r.devices[id]; ok {
		return d
	}
	d = newDeviceState(id)
	r.devices[id] = d
	return d
}

// ForEachDevice iterates every known device. f must not call back into the
// registry in a way that would re-acquire devicesMu.
func (r *Registry) ForEachDevice(f func(*deviceState)) {
	r.devicesMu.RLock()
	snapshot := make([]*deviceState, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot = append(snapshot, d)
	}
	r.devicesMu.RUnlock()
	for _, d := range snapshot {
		f(d)
	}
}

// MarkGroupOffline flags a device as dying: later config writes
// (Engine.ApplyConfig) fail with ErrDeviceDying. ThrottleBio does not check
// the flag, and bios already queued are still drained normally.
func (r *Registry) MarkGroupOffline(id DeviceID) {
	d := r.DeviceState(id)
	d.mu.Lock()
	d.dying = true
	d.mu.Unlock()
}

// getOrCreateFakeDevice returns (creating if absent) the FakeDevice for
// key. Callers that also hold a deviceState.mu must acquire it first.
func (r *Registry) getOrCreateFakeDevice(key FDKey) *FakeDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	fd, ok := r.fakeDevices[key]
	if !ok {
		fd = newFakeDevice(key, r.sliceWidth)
		r.fakeDevices[key] = fd
	}
	return fd
}

// ForEachFakeDevice iterates every known fake device.
func (r *Registry) ForEachFakeDevice(f func(*FakeDevice)) {
	r.mu.Lock()
	snapshot := make([]*FakeDevice, 0, len(r.fakeDevices))
	for _, fd := range r.fakeDevices {
		snapshot = append(snapshot, fd)
	}
	r.mu.Unlock()
	for _, fd := range snapshot {
		f(fd)
	}
}

// DeleteFakeDevice removes a fake device from the registry's fakeDevices
// map. The membership index and the member TGs are left as they are, and no
// config write calls it.
func (r *Registry) DeleteFakeDevice(key FDKey) {
	r.mu.Lock()
	delete(r.fakeDevices, key)
	r.mu.Unlock()
}

// AddFDMember records dev as a member of the fake device key, creating both
// the FakeDevice and the member TG if needed, and wires its recursive
// sibling-charge hook.
func (r *Registry) AddFDMember(key FDKey, dev DeviceID) (*FakeDevice, *TG) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fd, ok := r.fakeDevices[key]
	if !ok {
		fd = newFakeDevice(key, r.sliceWidth)
		r.fakeDevices[key] = fd
	}
	m := fd.memberFor(dev, r.sliceWidth)
	m.fdChargeSiblings = func(now time.Duration, dir Dir, size int64) {
		fd.header.bucket.Charge(now, dir, size)
		fd.header.TrimAll(now)
		for other, om := range fd.members {
			if other == dev {
				continue
			}
			om.bucket.Charge(now, dir, size)
			om.TrimAll(now)
		}
	}
	gk := groupDeviceKey{Group: key.Group, Device: dev}
	for _, existing := range r.membership[gk] {
		if existing == key {
			return fd, m
		}
	}
	r.membership[gk] = append(r.membership[gk], key)
	return fd, m
}

// FDsFor returns the fake-device keys that (group, dev) currently feeds.
func (r *Registry) FDsFor(group GroupID, dev DeviceID) []FDKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FDKey(nil), r.membership[groupDeviceKey{Group: group, Device: dev}]...)
}
