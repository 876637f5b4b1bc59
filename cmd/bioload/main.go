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

// bioload is a tiny, dependency-free synthetic bio generator for
// pkg/throttle.Engine. Unlike a real workload it never touches a block
// device; it drives ThrottleBio directly, tailored for exercising throttle
// behavior at the command line (tight bps caps, read/write mixes, fake
// device overlays) without standing up the admin HTTP server.
//
// Usage examples:
//
//	bioload -major=8 -minor=0 -group=g1 -n=1000 -c=16 -bps=1048576 -size=65536
//	bioload -major=8 -minor=0 -group=g1 -n=500 -write_every=4 -size=4096
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"throttle/pkg/throttle"
)

func main() {
	var (
		major      = flag.Uint("major", 8, "Device major number")
		minor      = flag.Uint("minor", 0, "Device minor number")
		group      = flag.String("group", "g1", "Throttle group name")
		n          = flag.Int("n", 1000, "Total bios to submit")
		conc       = flag.Int("c", 8, "Number of concurrent submitting workers")
		size       = flag.Int64("size", 65536, "Bio size in bytes")
		writeEvery = flag.Int("write_every", 0, "If > 0, every Nth bio is a write; all others are reads")
		bps        = flag.Int64("bps", 0, "Read bps limit to apply before the run; 0 leaves it unset")
		iops       = flag.Int64("iops", 0, "Read iops limit to apply before the run; 0 leaves it unset")
		sliceWidth = flag.Duration("slice_width", 100*time.Millisecond, "Token-bucket slice width")
	)
	flag.Parse()

	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	var dispatched int64
	engine := throttle.New(*sliceWidth, throttle.BioSubmitterFunc(func(*throttle.Bio) {
		atomic.AddInt64(&dispatched, 1)
	}))

	dev := throttle.DeviceID{Major: uint32(*major), Minor: uint32(*minor)}
	if *bps > 0 {
		line := fmt.Sprintf("%d:%d %d", *major, *minor, *bps)
		if err := engine.ApplyConfigLine(throttle.GroupID(*group), throttle.FileReadBPSDevice, line); err != nil {
			fmt.Fprintf(os.Stderr, "applying bps limit: %v\n", err)
			os.Exit(1)
		}
	}
	if *iops > 0 {
		line := fmt.Sprintf("%d:%d %d", *major, *minor, *iops)
		if err := engine.ApplyConfigLine(throttle.GroupID(*group), throttle.FileReadIOPSDevice, line); err != nil {
			fmt.Fprintf(os.Stderr, "applying iops limit: %v\n", err)
			os.Exit(1)
		}
	}

	start := time.Now()
	var immediate, queued int64
	var wg sync.WaitGroup
	perWorker := *n / *conc
	remainder := *n % *conc

	for w := 0; w < *conc; w++ {
		count := perWorker
		if w < remainder {
			count++
		}
		wg.Add(1)
		go func(workerID, count int) {
			defer wg.Done()
			for i := 0; i < count; i++ {
				dir := throttle.Read
				if *writeEvery > 0 && (workerID*count+i)%*writeEvery == 0 {
					dir = throttle.Write
				}
				b := &throttle.Bio{Dir: dir, Size: *size, Device: dev, Group: throttle.GroupID(*group)}
				if engine.Submit(b) {
					atomic.AddInt64(&queued, 1)
				} else {
					atomic.AddInt64(&immediate, 1)
				}
			}
		}(w, count)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt64(&dispatched) < int64(*n) && time.Now().Before(deadline) {
		engine.Pump(dev)
		time.Sleep(time.Millisecond)
	}
	engine.Drain(dev)

	elapsed := time.Since(start)
	fmt.Printf("submitted=%d immediate=%d queued=%d dispatched=%d elapsed=%s\n",
		*n, immediate, queued, atomic.LoadInt64(&dispatched), elapsed)
}
