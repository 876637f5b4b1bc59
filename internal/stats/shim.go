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

package stats

import (
	"crypto/rand"
	"encoding/hex"
)

// newSnapshotID returns a fresh random idempotency id for one flush cycle's
// batch of rows. Production code wanting stable ids across retries (to
// survive a process restart mid-delivery) should replace this with a
// monotonic counter persisted alongside the exporter's cursor; a fresh
// random id per cycle is sufficient here since a skipped or duplicated
// observability snapshot has no correctness impact on the engine itself.
func newSnapshotID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
