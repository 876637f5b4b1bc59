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

// Package workerpool assigns each physical device's dispatch hand-off work
// to one of a small, fixed set of background workers by rendezvous hashing:
// a host with many devices doesn't need one goroutine per device, and a
// given device always lands on the same worker as long as the worker set
// doesn't change, preserving per-device ordering.
package workerpool

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

const defaultQueueDepth = 256

// Pool is a fixed set of worker goroutines, each draining its own task
// queue in submission order. Tasks for the same key always land on the
// same worker.
type Pool struct {
	byName map[string]*worker
	rv     *rendezvous.Rendezvous
}

type worker struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// New creates a pool of n workers (n is clamped to at least 1).
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	nodes := make([]string, n)
	p := &Pool{byName: make(map[string]*worker, n)}
	for i := 0; i < n; i++ {
		name := workerName(i)
		nodes[i] = name
		w := &worker{tasks: make(chan func(), defaultQueueDepth)}
		p.byName[name] = w
		w.wg.Add(1)
		go w.run()
	}
	p.rv = rendezvous.New(nodes, hashSeed)
	return p
}

func workerName(i int) string {
	return "worker-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func hashSeed(s string, seed uint64) uint64 {
	h := xxhash.New()
	var b [8]byte
	for i := range b {
		b[i] = byte(seed >> (8 * uint(i)))
	}
	_, _ = h.Write(b[:])
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (w *worker) run() {
	defer w.wg.Done()
	for fn := range w.tasks {
		fn()
	}
}

// Submit enqueues fn on the worker key consistently hashes to. fn runs
// asynchronously; Submit never blocks the caller beyond the target
// worker's queue depth.
func (p *Pool) Submit(key string, fn func()) {
	name := p.rv.Lookup(key)
	if w, ok := p.byName[name]; ok {
		w.tasks <- fn
	}
}

// Stop closes every worker's queue and waits for in-flight tasks to drain.
func (p *Pool) Stop() {
	for _, w := range p.byName {
		close(w.tasks)
	}
	for _, w := range p.byName {
		w.wg.Wait()
	}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.byName) }
