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
	"context"
	"fmt"
	"time"
)

// Options holds the knobs needed to build any of the supported exporters.
type Options struct {
	RedisAddr      string
	RedisMarkerTTL time.Duration
	KafkaTopic     string
}

// BuildExporter constructs an Exporter by name. Supported backends:
//   - "", "mock": in-process no-op logger (default)
//   - "redis": idempotent Redis adapter (logs instead of dialing if RedisAddr is empty)
//   - "kafka": idempotent Kafka adapter (logs instead of producing; no broker wired)
func BuildExporter(adapter string, opts Options) (Exporter, error) {
	switch adapter {
	case "", "mock":
		return mockExporter{}, nil
	case "redis":
		var evaler RedisEvaler
		if opts.RedisAddr != "" {
			evaler = NewGoRedisEvaler(opts.RedisAddr)
		} else {
			evaler = LoggingRedisEvaler{}
		}
		return NewRedisExporter(evaler, opts.RedisMarkerTTL), nil
	case "kafka":
		return NewKafkaExporter(LoggingKafkaProducer{}, opts.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown stats exporter: %s", adapter)
	}
}

type mockExporter struct{}

func (mockExporter) ExportSnapshot(context.Context, string, []Row) error { return nil }
