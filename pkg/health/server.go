// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package health serves engine status over HTTP: liveness, readiness,
// Prometheus metrics, the hooked call sites and the operation records.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/records"
)

// Server provides health, readiness, and metrics HTTP endpoints.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	version string
	addr    string
	ready   atomic.Bool
	server  *http.Server
	bound   atomic.Pointer[string]
}

// NewServer creates a health server.
func NewServer(addr, version string, stats *Stats, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		logger:  logger,
	}
}

// SetReady gates readiness. The server reports ready only when set and
// the engine is initialized.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/sites", s.handleSites)
	mux.HandleFunc("/records", s.handleRecords)
	return mux
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	bound := ln.Addr().String()
	s.bound.Store(&bound)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", bound))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if p := s.bound.Load(); p != nil {
		return *p
	}
	return s.addr
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Mode    string `json:"mode"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.stats.src.Stats()
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
		Mode:    st.Mode.String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() || !s.stats.src.Stats().Initialized {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

type siteResponse struct {
	Slot    string   `json:"slot"`
	Caller  string   `json:"caller"`
	Symbol  string   `json:"symbol"`
	Kind    string   `json:"kind"`
	Orig    string   `json:"orig"`
	Chain   []string `json:"chain"`
	Calls   uint64   `json:"calls"`
	Pending int64    `json:"pending"`
}

func hex(v uintptr) string { return fmt.Sprintf("0x%x", v) }

func (s *Server) handleSites(w http.ResponseWriter, _ *http.Request) {
	sites := s.stats.src.Sites()
	out := make([]siteResponse, 0, len(sites))
	for _, si := range sites {
		r := siteResponse{
			Slot:    hex(si.Slot),
			Caller:  si.Caller,
			Symbol:  si.Symbol,
			Kind:    si.Kind,
			Orig:    hex(si.Orig),
			Calls:   si.Calls,
			Pending: si.Pending,
		}
		for _, p := range si.Chain {
			r.Chain = append(r.Chain, hex(p))
		}
		out = append(out, r)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := s.stats.src.Records().Dump(w, records.ItemAll); err != nil {
		s.logger.Warn("records dump failed", zap.Error(err))
	}
}
