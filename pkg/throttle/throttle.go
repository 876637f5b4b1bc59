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

// Package throttle is the public entry point to the hierarchical block-I/O
// throttling engine: a thin, stable-API wrapper around
// internal/throttle/core so that out-of-tree callers (and the demo
// command-line tools in this repo) depend on a small surface instead of the
// engine's internals.
package throttle

import (
	"time"

	"throttle/internal/throttle/core"
)

// Re-exported types every caller of this package needs, so callers never
// have to import internal/throttle/core directly.
type (
	Bio          = core.Bio
	BioSubmitter = core.BioSubmitter
	Dir          = core.Dir
	DeviceID     = core.DeviceID
	GroupID      = core.GroupID
	FileName     = core.FileName
	ConfigLine   = core.ConfigLine
)

// Re-exported direction and file-name constants.
const (
	Read  = core.Read
	Write = core.Write
	RandW = core.RandW
)

const (
	FileReadBPSDevice        = core.FileReadBPSDevice
	FileWriteBPSDevice       = core.FileWriteBPSDevice
	FileRWBPSDevice          = core.FileRWBPSDevice
	FileReadIOPSDevice       = core.FileReadIOPSDevice
	FileWriteIOPSDevice      = core.FileWriteIOPSDevice
	FileRWIOPSDevice         = core.FileRWIOPSDevice
	FileHybridReadBPSDevice  = core.FileHybridReadBPSDevice
	FileHybridWriteBPSDevice = core.FileHybridWriteBPSDevice
)

// BioSubmitterFunc adapts a plain function to a BioSubmitter.
func BioSubmitterFunc(f func(*Bio)) BioSubmitter { return core.BioSubmitterFunc(f) }

// Engine is the hierarchical throttle dispatch engine. It wraps
// internal/throttle/core.Engine; see that package for the full
// implementation of the dispatch algorithm.
type Engine struct {
	core *core.Engine
}

// New creates an Engine with the given token-bucket slice width (default
// 100ms) and bio resubmission sink.
func New(sliceWidth time.Duration, sink BioSubmitter) *Engine {
	return &Engine{core: core.NewEngine(sliceWidth, sink)}
}

// ApplyConfigLine parses and applies one config-write line, the Go-native
// equivalent of a cgroupfs write to one of the eight writable throttle.*
// files.
// Transient errors (ErrBusy, ErrDeviceDying) are retried with a short fixed
// backoff before returning.
func (e *Engine) ApplyConfigLine(group GroupID, file FileName, line string) error {
	parsed, err := core.ParseConfigLine(group, file, line)
	if err != nil {
		return err
	}
	return core.WithBackoff(func() error { return e.core.ApplyConfig(parsed) })
}

// Submit routes b through the throttling engine. It returns true if b was
// queued rather than dispatched immediately; a queued bio is resubmitted to
// the engine's sink once it clears its gate.
func (e *Engine) Submit(b *Bio) bool { return e.core.ThrottleBio(b) }

// Drain force-issues every bio queued for dev, bypassing every bucket gate.
func (e *Engine) Drain(dev DeviceID) { e.core.Drain(dev) }

// Pump manually drives dev's dispatch loop once. Production code relies on
// background timers; callers stepping a manual clock, or simple CLI tools
// that prefer polling, can call this instead.
func (e *Engine) Pump(dev DeviceID) { e.core.Pump(dev) }

// Exit tears dev down, rejecting further config writes against it. Call
// Drain first to avoid dropping in-flight bios.
func (e *Engine) Exit(dev DeviceID) { e.core.Exit(dev) }

// Core exposes the underlying internal engine for callers (the admin HTTP
// surface, tests) that need lower-level access than this wrapper provides.
func (e *Engine) Core() *core.Engine { return e.core }
