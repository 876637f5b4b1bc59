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

package throttle

import (
	"sync"
	"testing"
	"time"
)

func TestEngine_ApplyConfigLineThenSubmitQueuesUnderTightLimit(t *testing.T) {
	var mu sync.Mutex
	var dispatched []*Bio
	e := New(100*time.Millisecond, BioSubmitterFunc(func(b *Bio) {
		mu.Lock()
		dispatched = append(dispatched, b)
		mu.Unlock()
	}))

	dev := DeviceID{Major: 8, Minor: 0}
	if err := e.ApplyConfigLine("g1", FileReadBPSDevice, "8:0 1"); err != nil {
		t.Fatalf("ApplyConfigLine: %v", err)
	}

	b := &Bio{Dir: Read, Size: 4096, Device: dev, Group: "g1"}
	if !e.Submit(b) {
		t.Fatalf("expected bio to be queued under a 1 byte/sec limit")
	}
}

func TestEngine_SubmitDispatchesImmediatelyWithoutLimits(t *testing.T) {
	e := New(100*time.Millisecond, BioSubmitterFunc(func(*Bio) {}))
	dev := DeviceID{Major: 8, Minor: 0}
	b := &Bio{Dir: Write, Size: 4096, Device: dev, Group: "g1"}
	if e.Submit(b) {
		t.Fatalf("expected immediate dispatch with no configured limit")
	}
}

func TestEngine_DrainIssuesQueuedBios(t *testing.T) {
	var mu sync.Mutex
	var dispatched []*Bio
	e := New(100*time.Millisecond, BioSubmitterFunc(func(b *Bio) {
		mu.Lock()
		dispatched = append(dispatched, b)
		mu.Unlock()
	}))
	dev := DeviceID{Major: 8, Minor: 0}
	if err := e.ApplyConfigLine("g1", FileReadBPSDevice, "8:0 1"); err != nil {
		t.Fatalf("ApplyConfigLine: %v", err)
	}
	b := &Bio{Dir: Read, Size: 4096, Device: dev, Group: "g1"}
	e.Submit(b)

	e.Drain(dev)

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 1 {
		t.Fatalf("dispatched = %d bios after Drain, want 1", len(dispatched))
	}
}

func TestEngine_ApplyConfigLineRejectsMalformedLine(t *testing.T) {
	e := New(100*time.Millisecond, BioSubmitterFunc(func(*Bio) {}))
	if err := e.ApplyConfigLine("g1", FileReadBPSDevice, "garbage"); err == nil {
		t.Fatalf("expected an error for a malformed config line")
	}
}
