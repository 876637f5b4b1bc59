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

// Package admin implements the demo-facing HTTP surface for driving an
// Engine the way a real deployment would wire an operator console on top of
// it: config-file writes as POST bodies instead of cgroupfs writes, a
// synthetic bio submission endpoint to exercise ThrottleBio end to end, and
// the drain/exit lifecycle endpoints.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"throttle/internal/throttle/core"
)

// Server wraps an Engine with HTTP handlers. It holds no state of its own;
// every handler translates a request directly into an Engine call.
type Server struct {
	engine *core.Engine
}

// NewServer creates an admin server fronting engine.
func NewServer(engine *core.Engine) *Server {
	return &Server{engine: engine}
}

// RegisterRoutes wires every handler onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	for _, file := range []core.FileName{
		core.FileReadBPSDevice, core.FileWriteBPSDevice, core.FileRWBPSDevice,
		core.FileReadIOPSDevice, core.FileWriteIOPSDevice, core.FileRWIOPSDevice,
		core.FileHybridReadBPSDevice, core.FileHybridWriteBPSDevice,
	} {
		file := file
		mux.HandleFunc("/devices/"+string(file), s.handleConfigWrite(file))
	}
	mux.HandleFunc("/bio", s.handleSubmitBio)
	mux.HandleFunc("/drain", s.handleDrain)
	mux.HandleFunc("/exit", s.handleExit)
}

// handleConfigWrite returns a handler mimicking a write(2) to one of the
// eight writable throttle.* files: the request body is the exact line a cgroup write
// would carry, and the group comes from a query parameter since there is
// no cgroupfs path to derive it from here.
func (s *Server) handleConfigWrite(file core.FileName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		group := r.URL.Query().Get("group")
		if group == "" {
			http.Error(w, "group is required", http.StatusBadRequest)
			return
		}
		body, err := readLine(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		line, err := core.ParseConfigLine(core.GroupID(group), file, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := core.WithBackoff(func() error { return s.engine.ApplyConfig(line) }); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func readLine(r *http.Request) (string, error) {
	defer r.Body.Close()
	buf := make([]byte, 256)
	n, err := r.Body.Read(buf)
	if n == 0 && err != nil {
		return "", fmt.Errorf("reading request body: %w", err)
	}
	return string(buf[:n]), nil
}

// bioRequest is the synthetic bio description the demo submits.
type bioRequest struct {
	Group string `json:"group"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Dir   string `json:"dir"`
	Size  int64  `json:"size"`
}

// bioResponse reports whether the bio dispatched immediately or was queued.
type bioResponse struct {
	Queued     bool  `json:"queued"`
	WaitedNsec int64 `json:"waited_nsec,omitempty"`
}

// handleSubmitBio decodes a synthetic bio and drives it through
// Engine.ThrottleBio, exercising the full admission path without a real
// block layer underneath it. Bios that get queued are resubmitted to the
// engine's configured sink once dispatched; this handler reports
// immediately whether admission was instantaneous.
func (s *Server) handleSubmitBio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req bioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed bio: "+err.Error(), http.StatusBadRequest)
		return
	}
	dir, err := parseDir(req.Dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Size <= 0 {
		http.Error(w, "size must be positive", http.StatusBadRequest)
		return
	}

	start := time.Now()
	bio := &core.Bio{
		Dir:    dir,
		Size:   req.Size,
		Device: core.DeviceID{Major: req.Major, Minor: req.Minor},
		Group:  core.GroupID(req.Group),
	}
	queued := s.engine.ThrottleBio(bio)

	resp := bioResponse{Queued: queued}
	if queued {
		resp.WaitedNsec = time.Since(start).Nanoseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseDir(s string) (core.Dir, error) {
	switch s {
	case "read":
		return core.Read, nil
	case "write":
		return core.Write, nil
	default:
		return 0, fmt.Errorf("dir must be %q or %q, got %q", "read", "write", s)
	}
}

// handleDrain force-issues every queued bio on a device, the HTTP analogue
// of an operator detaching a device.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	dev, err := deviceFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.engine.Drain(dev)
	w.WriteHeader(http.StatusNoContent)
}

// handleExit tears a device down. Callers that want queued bios preserved
// rather than dropped must POST /drain first.
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	dev, err := deviceFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.engine.Exit(dev)
	w.WriteHeader(http.StatusNoContent)
}

func deviceFromQuery(r *http.Request) (core.DeviceID, error) {
	major, err := strconv.ParseUint(r.URL.Query().Get("major"), 10, 32)
	if err != nil {
		return core.DeviceID{}, fmt.Errorf("bad major: %w", err)
	}
	minor, err := strconv.ParseUint(r.URL.Query().Get("minor"), 10, 32)
	if err != nil {
		return core.DeviceID{}, fmt.Errorf("bad minor: %w", err)
	}
	return core.DeviceID{Major: uint32(major), Minor: uint32(minor)}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrDeviceDying),
		errors.Is(err, core.ErrBusy), errors.Is(err, core.ErrNoMemory):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe starts the admin HTTP server on addr, mirroring the
// teacher demo's plain ServeMux + timeouts shape.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
