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
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"throttle/internal/throttle/core"
)

var (
	ioServiceBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_io_service_bytes_total",
		Help: "Cumulative bytes dispatched per (group, device, fd, direction), matching the io_service_bytes stat file.",
	}, []string{"group", "device", "fd", "dir"})

	ioServicedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_io_serviced_total",
		Help: "Cumulative bios dispatched per (group, device, fd, direction), matching the io_serviced stat file.",
	}, []string{"group", "device", "fd", "dir"})

	dispatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "throttle_dispatch_wait_seconds",
		Help:    "Observed wait between a bio's admission and its dispatch, when throttled.",
		Buckets: prometheus.DefBuckets,
	})

	tgsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "throttle_tgs_tracked",
		Help: "Number of throttle groups currently seen by the last flush cycle.",
	})
)

func init() {
	prometheus.MustRegister(ioServiceBytesTotal, ioServicedTotal, dispatchWaitSeconds, tgsTracked)
}

// ObserveDispatchWait records how long a bio waited between admission and
// dispatch in the dispatch_wait_seconds histogram. No code in this
// repository calls it; the dispatch engine itself stays free of any stats
// dependency.
func ObserveDispatchWait(d time.Duration) {
	dispatchWaitSeconds.Observe(d.Seconds())
}

// TelemetrySink implements core.StatsSink: every flushed counter updates
// the corresponding Prometheus series immediately, and is also buffered for
// periodic delivery to a secondary Exporter (redis/kafka), mirroring this
// codebase's counter-plus-batched-snapshot telemetry shape.
type TelemetrySink struct {
	exporter Exporter
	interval time.Duration

	mu   sync.Mutex
	rows map[string]Row

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTelemetrySink creates a sink that also ships a batched snapshot to
// exporter every interval. A nil exporter disables the secondary delivery;
// Prometheus counters are always updated.
func NewTelemetrySink(exporter Exporter, interval time.Duration) *TelemetrySink {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &TelemetrySink{
		exporter: exporter,
		interval: interval,
		rows:     make(map[string]Row),
		stopChan: make(chan struct{}),
	}
	if exporter != nil {
		s.wg.Add(1)
		go s.exportLoop()
	}
	return s
}

// Stop halts the background export loop. Safe to call once.
func (s *TelemetrySink) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
	s.wg.Wait()
}

// ExportTG implements core.StatsSink. bytesDisp/ioDisp are the bucket's
// current-slice counters, which reset on every slice trim/restart, not a
// lifetime total. To expose a proper monotonic Prometheus counter, this
// sink tracks the last reading per (key, dir) and adds only the delta; a
// reading lower than the last one means the slice reset, so the whole new
// value is added (the counter never needs to decrease).
func (s *TelemetrySink) ExportTG(key core.TGKey, dir core.Dir, bytesDisp, ioDisp int64) {
	device := fmt.Sprintf("%d:%d", key.Device.Major, key.Device.Minor)
	group := string(key.Group)
	fd := fmt.Sprintf("%d", key.FD)
	dirLabel := dir.String()
	rowKey := group + "|" + device + "|" + fd + "|" + dirLabel

	s.mu.Lock()
	last := s.rows[rowKey]
	byteDelta := bytesDisp - last.BytesDisp
	if byteDelta < 0 {
		byteDelta = bytesDisp
	}
	ioDelta := ioDisp - last.IoDisp
	if ioDelta < 0 {
		ioDelta = ioDisp
	}
	s.rows[rowKey] = Row{Group: group, Device: device, FD: uint64(key.FD), Dir: dirLabel, BytesDisp: bytesDisp, IoDisp: ioDisp}
	tgsTracked.Set(float64(len(s.rows)))
	s.mu.Unlock()

	ioServiceBytesTotal.WithLabelValues(group, device, fd, dirLabel).Add(float64(byteDelta))
	ioServicedTotal.WithLabelValues(group, device, fd, dirLabel).Add(float64(ioDelta))
}

func (s *TelemetrySink) exportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopChan:
			s.flush()
			return
		}
	}
}

func (s *TelemetrySink) flush() {
	s.mu.Lock()
	rows := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.Unlock()
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.exporter.ExportSnapshot(ctx, newSnapshotID(), rows)
}

// StartMetricsEndpoint serves /metrics on addr in a background goroutine.
func StartMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
