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

package workerpool

import (
	"fmt"
	"sync"
	"testing"

	"throttle/internal/throttle/core"
)

func TestPool_SameKeyAlwaysSameWorker(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit("8:0", func() {
			defer wg.Done()
			mu.Lock()
			seen[p.rv.Lookup("8:0")] = true
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(seen) != 1 {
		t.Fatalf("key landed on %d distinct workers, want 1", len(seen))
	}
}

func TestPool_DistributesAcrossWorkers(t *testing.T) {
	p := New(8)
	defer p.Stop()

	names := make(map[string]bool)
	for i := 0; i < 64; i++ {
		key := deviceKeyFromInts(8, i)
		names[p.rv.Lookup(key)] = true
	}
	if len(names) < 2 {
		t.Fatalf("64 distinct devices landed on only %d workers, want spread across several", len(names))
	}
}

func deviceKeyFromInts(major, minor int) string {
	return fmt.Sprintf("%d:%d", major, minor)
}

func TestDeviceSink_ForwardsToUnderlyingSubmitter(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var mu sync.Mutex
	var got []*core.Bio
	var wg sync.WaitGroup
	next := core.BioSubmitterFunc(func(b *core.Bio) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
		wg.Done()
	})
	sink := NewDeviceSink(p, next)

	wg.Add(1)
	b := &core.Bio{Device: core.DeviceID{Major: 8, Minor: 0}}
	sink.Submit(b)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != b {
		t.Fatalf("forwarded bios = %+v, want exactly the submitted bio", got)
	}
}
