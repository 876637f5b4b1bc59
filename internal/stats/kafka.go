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
	"encoding/json"
	"fmt"
	"time"
)

// KafkaProducer is a minimal abstraction over a Kafka client. Real
// implementations should enable an idempotent producer (enable.idempotence)
// so broker-side retries dedupe by (topic, partition, sequence).
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// LoggingKafkaProducer logs the message it would have produced, for demos
// run without a broker.
type LoggingKafkaProducer struct{}

func (LoggingKafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[kafka-stats] TOPIC=%s KEY=%s VALUE=%s HEADERS=%v\n", topic, string(key), string(value), headers)
	return nil
}

// KafkaExporter publishes each snapshot as one message per row, keyed by
// snapshotID+row so consumer-side dedup only needs last-write-wins per key.
type KafkaExporter struct {
	producer KafkaProducer
	topic    string
	timeout  time.Duration
}

func NewKafkaExporter(p KafkaProducer, topic string) *KafkaExporter {
	if topic == "" {
		topic = "throttle-stats"
	}
	return &KafkaExporter{producer: p, topic: topic, timeout: 10 * time.Second}
}

// snapshotMessage is the wire payload for one exported counter row.
type snapshotMessage struct {
	SnapshotID string `json:"snapshot_id"`
	Group      string `json:"group"`
	Device     string `json:"device"`
	FD         uint64 `json:"fd,omitempty"`
	Dir        string `json:"dir"`
	BytesDisp  int64  `json:"bytes_disp"`
	IoDisp     int64  `json:"io_disp"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
}

func (e *KafkaExporter) ExportSnapshot(ctx context.Context, snapshotID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	nowMs := time.Now().UnixMilli()
	for _, r := range rows {
		msg := snapshotMessage{
			SnapshotID: snapshotID,
			Group:      r.Group,
			Device:     r.Device,
			FD:         r.FD,
			Dir:        r.Dir,
			BytesDisp:  r.BytesDisp,
			IoDisp:     r.IoDisp,
			TsUnixMs:   nowMs,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal kafka stats message: %w", err)
		}
		key := fmt.Sprintf("%s:%s:%s:%d:%s", snapshotID, r.Group, r.Device, r.FD, r.Dir)
		headers := map[string]string{"content-type": "application/json"}
		if err := e.producer.Produce(ctx, e.topic, []byte(key), b, headers); err != nil {
			return fmt.Errorf("kafka produce row=%+v: %w", r, err)
		}
	}
	return nil
}
