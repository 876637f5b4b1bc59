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
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface needed from a Redis client.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler wraps github.com/redis/go-redis/v9 for production use.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler dials addr (e.g. "127.0.0.1:6379").
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// LoggingRedisEvaler is a dependency-free stand-in that just logs the
// evaluation, for demos run without a real Redis instance.
type LoggingRedisEvaler struct{}

func (LoggingRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	fmt.Printf("[redis-stats] EVAL script(len=%d) KEYS=%v ARGS=%v\n", len(script), keys, args)
	return int64(1), nil
}

// RedisExporter ships each row's counters to Redis, guarded by a per-row
// idempotency marker so a retried snapshot delivery never double-counts.
type RedisExporter struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisExporter returns an Exporter. markerTTL bounds marker growth;
// it should comfortably exceed the reaper's flush interval.
func NewRedisExporter(client RedisEvaler, markerTTL time.Duration) *RedisExporter {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisExporter{client: client, markerTTL: markerTTL}
}

// redisSnapshotScript sets the counters' hash to the given (absolute)
// values exactly once per (row key, snapshot id); a retried EVAL with the
// same snapshot id is a no-op.
const redisSnapshotScript = `
local counterKey = KEYS[1]
local markerKey = KEYS[2]
local bytesDisp = tonumber(ARGV[1])
local ioDisp = tonumber(ARGV[2])
local ttlSeconds = tonumber(ARGV[3])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('HSET', counterKey, 'bytes_disp', bytesDisp, 'io_disp', ioDisp)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

func redisCounterKey(r Row) string {
	return fmt.Sprintf("throttle:counter:%s:%s:%d:%s", r.Group, r.Device, r.FD, r.Dir)
}

func redisMarkerKey(r Row, snapshotID string) string {
	return fmt.Sprintf("throttle:snapshot:%s:%s", redisCounterKey(r), snapshotID)
}

func (e *RedisExporter) ExportSnapshot(ctx context.Context, snapshotID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if snapshotID == "" {
		return errors.New("ExportSnapshot: snapshotID must be set")
	}
	for _, r := range rows {
		keys := []string{redisCounterKey(r), redisMarkerKey(r, snapshotID)}
		args := []interface{}{r.BytesDisp, r.IoDisp, int(e.markerTTL.Seconds())}
		if _, err := e.client.Eval(ctx, redisSnapshotScript, keys, args...); err != nil {
			return fmt.Errorf("redis eval row=%+v snapshot=%s: %w", r, snapshotID, err)
		}
	}
	return nil
}
