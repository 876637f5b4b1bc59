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
	"errors"
	"fmt"
	"time"
)

// Bio-path errors do not exist: a bio either dispatches, is queued, or
// (during drain) is force-issued. These cover configuration and lifecycle
// failures only.
var (
	ErrNoMemory        = errors.New("throttle: allocation failed")
	ErrInvalidArgument = errors.New("throttle: malformed configuration")
	ErrDeviceDying     = errors.New("throttle: device is mid-teardown")
	ErrBusy            = errors.New("throttle: device queue is bypassing")
)

// retryBackoffs are the short, fixed backoffs a configuration writer should
// sleep for between retries of a transient error.
var retryBackoffs = []time.Duration{2 * time.Millisecond, 8 * time.Millisecond, 32 * time.Millisecond}

// WithBackoff retries fn while it returns ErrBusy or ErrDeviceDying, using a
// short fixed backoff schedule, and returns the first non-transient result.
func WithBackoff(fn func() error) error {
	var err error
	for _, d := range retryBackoffs {
		err = fn()
		if err == nil || !(errors.Is(err, ErrBusy) || errors.Is(err, ErrDeviceDying)) {
			return err
		}
		time.Sleep(d)
	}
	return fmt.Errorf("throttle: giving up after %d attempts: %w", len(retryBackoffs), err)
}
