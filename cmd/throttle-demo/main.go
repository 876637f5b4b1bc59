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

// Package main runs throttle-demo, a runnable demonstration of the
// hierarchical block-I/O throttling engine (pkg/throttle). It exposes the
// engine over the admin HTTP surface (internal/admin), a Prometheus
// /metrics endpoint, and routes dispatched bios through a fixed-size
// worker pool instead of resubmitting them inline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"throttle/internal/admin"
	"throttle/internal/stats"
	"throttle/internal/workerpool"
	"throttle/pkg/throttle"
)

func main() {
	sliceWidth := flag.Duration("slice_width", 100*time.Millisecond, "Token-bucket slice width every new throttle group is built with")
	adminAddr := flag.String("admin_addr", ":8080", "Admin HTTP listen address (config writes, bio submission, drain/exit)")
	metricsAddr := flag.String("metrics_addr", ":9090", "Prometheus /metrics listen address; empty disables it")
	statsAdapter := flag.String("stats_adapter", "mock", "Stats export backend: mock|redis|kafka")
	statsInterval := flag.Duration("stats_interval", 15*time.Second, "How often buffered stats rows are shipped to the export backend")
	redisAddr := flag.String("redis_addr", "", "Redis address, used when stats_adapter=redis")
	kafkaTopic := flag.String("kafka_topic", "throttle-stats", "Kafka topic, used when stats_adapter=kafka")
	workers := flag.Int("workers", 8, "Number of fixed workers a dispatched bio's resubmission is rendezvous-hashed onto")
	flag.Parse()

	exporter, err := stats.BuildExporter(*statsAdapter, stats.Options{
		RedisAddr:  *redisAddr,
		KafkaTopic: *kafkaTopic,
	})
	if err != nil {
		log.Fatalf("building stats exporter: %v", err)
	}
	sink := stats.NewTelemetrySink(exporter, *statsInterval)
	defer sink.Stop()

	pool := workerpool.New(*workers)
	defer pool.Stop()

	// The block-layer boundary, out of scope here: a demo sink simply
	// logs that a bio was let through, the way a real integration would
	// instead hand it back to the block layer for actual submission.
	issued := workerpool.NewDeviceSink(pool, throttle.BioSubmitterFunc(func(b *throttle.Bio) {
		log.Printf("dispatch: group=%s device=%d:%d dir=%s size=%d", b.Group, b.Device.Major, b.Device.Minor, b.Dir, b.Size)
	}))

	engine := throttle.New(*sliceWidth, issued)

	adminServer := admin.NewServer(engine.Core())
	mux := http.NewServeMux()
	adminServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:              *adminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		fmt.Printf("throttle-demo admin API listening on %s\n", *adminAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server: %v", err)
		}
	}()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = stats.StartMetricsEndpoint(*metricsAddr)
		fmt.Printf("throttle-demo metrics listening on %s/metrics\n", *metricsAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down throttle-demo...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("admin server shutdown failed: %v", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}

	fmt.Println("throttle-demo stopped.")
}
