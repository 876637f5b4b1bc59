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

	"throttle/internal/throttle/core"
)

// DeviceSink wraps a core.BioSubmitter so that resubmitting a dispatched
// bio happens on the pool worker assigned to its device rather than inline
// on whichever goroutine the dispatch engine is running on, issuing bios
// outside the dispatch lock while staying bounded to a fixed number of
// goroutines regardless of device count.
type DeviceSink struct {
	pool *Pool
	next core.BioSubmitter
}

// NewDeviceSink wraps next, handing bios off through pool.
func NewDeviceSink(pool *Pool, next core.BioSubmitter) *DeviceSink {
	return &DeviceSink{pool: pool, next: next}
}

func (s *DeviceSink) Submit(b *core.Bio) {
	key := deviceKey(b)
	s.pool.Submit(key, func() { s.next.Submit(b) })
}

func deviceKey(b *core.Bio) string {
	return fmt.Sprintf("%d:%d", b.Device.Major, b.Device.Minor)
}
