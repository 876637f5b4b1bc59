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

// Package stats provides pluggable export backends for the per-TG counters
// the dispatch engine's reaper flushes periodically (io_service_bytes,
// io_serviced, the two read-only stat files the wire format names). The
// engine itself never reads these back; exporting is observability only.
package stats

import "context"

// Row is the exporter-facing shape for one (group, device, fd, direction)
// counter snapshot, analogous to a commit entry in an idempotent writer.
type Row struct {
	Group     string
	Device    string
	FD        uint64
	Dir       string
	BytesDisp int64
	IoDisp    int64
}

// Exporter ships a batch of rows downstream, tagged with a snapshot id so a
// retried delivery (crash, timeout, duplicate) is a no-op.
type Exporter interface {
	ExportSnapshot(ctx context.Context, snapshotID string, rows []Row) error
}
