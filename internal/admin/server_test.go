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

package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"throttle/internal/throttle/core"
)

func newTestEngine() *core.Engine {
	return core.NewEngine(100*time.Millisecond, core.BioSubmitterFunc(func(*core.Bio) {}))
}

func TestServer_ConfigWrite_SetsLimitAndRejectsMalformed(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/devices/throttle.read_bps_device?group=g1", "text/plain", strings.NewReader("8:0 1048576"))
	if err != nil {
		t.Fatalf("POST config write: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp2, err := ts.Client().Post(ts.URL+"/devices/throttle.read_bps_device?group=g1", "text/plain", strings.NewReader("not-a-device 1"))
	if err != nil {
		t.Fatalf("POST malformed config write: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed line, got %d", resp2.StatusCode)
	}
}

func TestServer_ConfigWrite_MissingGroupIsBadRequest(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/devices/throttle.read_bps_device", "text/plain", strings.NewReader("8:0 1024"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing group, got %d", resp.StatusCode)
	}
}

func TestServer_SubmitBio_DispatchesUnderLooseLimit(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body, _ := json.Marshal(bioRequest{Group: "g1", Major: 8, Minor: 0, Dir: "read", Size: 4096})
	resp, err := ts.Client().Post(ts.URL+"/bio", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /bio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out bioResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Queued {
		t.Fatalf("expected immediate dispatch with no configured limit, got queued=true")
	}
}

func TestServer_SubmitBio_QueuesUnderTightLimit(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	limitResp, err := ts.Client().Post(ts.URL+"/devices/throttle.read_bps_device?group=g1", "text/plain", strings.NewReader("8:0 1"))
	if err != nil {
		t.Fatalf("POST config write: %v", err)
	}
	limitResp.Body.Close()

	body, _ := json.Marshal(bioRequest{Group: "g1", Major: 8, Minor: 0, Dir: "read", Size: 4096})
	resp, err := ts.Client().Post(ts.URL+"/bio", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /bio: %v", err)
	}
	defer resp.Body.Close()
	var out bioResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Queued {
		t.Fatalf("expected the bio to be queued under a 1 byte/sec limit")
	}
}

func TestServer_SubmitBio_RejectsBadDir(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body, _ := json.Marshal(bioRequest{Group: "g1", Major: 8, Minor: 0, Dir: "sideways", Size: 4096})
	resp, err := ts.Client().Post(ts.URL+"/bio", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /bio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid dir, got %d", resp.StatusCode)
	}
}

func TestServer_DrainAndExit(t *testing.T) {
	engine := newTestEngine()
	srv := NewServer(engine)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/drain?major=8&minor=0", "", nil)
	if err != nil {
		t.Fatalf("POST /drain: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from /drain, got %d", resp.StatusCode)
	}

	resp2, err := ts.Client().Post(ts.URL+"/exit?major=8&minor=0", "", nil)
	if err != nil {
		t.Fatalf("POST /exit: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from /exit, got %d", resp2.StatusCode)
	}

	resp3, err := ts.Client().Post(ts.URL+"/devices/throttle.read_bps_device?group=g1", "text/plain", strings.NewReader("8:0 1024"))
	if err != nil {
		t.Fatalf("POST config write after exit: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 (device dying) after exit, got %d", resp3.StatusCode)
	}
}
