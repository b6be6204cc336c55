/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package server is the HTTP front door: it owns the listener, routes requests
// to the store and maps results and failures onto HTTP responses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"devapi/internal/config"
	"devapi/internal/domain"
	applog "devapi/internal/log"
	"devapi/internal/schema"
	"devapi/internal/telemetry"
)

// Store is the persistence surface the handlers need. *storage.Store satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	PutRecord(ctx context.Context, key string, value json.RawMessage) (domain.Record, error)
	GetRecord(ctx context.Context, key string) (domain.Record, error)
	DeleteRecord(ctx context.Context, key string) error
	ListRecords(ctx context.Context, prefix string, limit int) ([]domain.Record, error)
	CreateTask(ctx context.Context, title string) (domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	MarkTaskDone(ctx context.Context, id int64) (domain.Task, error)
}

// State is the lifecycle phase of a Server.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrServerStopped is returned by Start once the server has been stopped.
	ErrServerStopped = errors.New("server stopped")
	// ErrServerRunning is returned by Start while the server is already serving.
	ErrServerRunning = errors.New("server already running")
)

// BindError reports that the listening socket could not be acquired.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return "bind " + e.Addr + ": " + e.Err.Error() }

func (e *BindError) Unwrap() error { return e.Err }

// Option customises a Server.
type Option func(*Server)

// WithMetrics shares a metrics registry, typically the one also observing the store.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

// Server serves the HTTP API over one Store.
type Server struct {
	cfg       config.ServerConfig
	store     Store
	metrics   *telemetry.Metrics
	validator *schema.Validator
	log       *slog.Logger
	handler   http.Handler

	mu       sync.Mutex
	state    State
	srv      *http.Server
	ln       net.Listener
	done     chan struct{}
	serveErr error
}

// New builds a server in StateCreated. Nothing is bound until Start.
func New(cfg config.ServerConfig, st Store, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		validator: schema.MustNew(),
		log:       applog.WithComponent("server"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics()
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the complete middleware chain around the router. It can be
// served without Start, e.g. by httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// State returns the current lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address while listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr()
}

// Start binds the configured address and serves in a background goroutine.
// A bind failure returns *BindError and leaves the server in StateCreated.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateListening, StateDraining:
		return ErrServerRunning
	case StateStopped:
		return ErrServerStopped
	}

	addr := s.cfg.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.log.Error("bind failed", slog.String("addr", addr), slog.Any("err", err))
		return &BindError{Addr: addr, Err: err}
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	s.done = make(chan struct{})
	s.state = StateListening

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", slog.Any("err", err))
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}(s.srv, s.done)

	s.log.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Wait blocks until the serve loop exits and returns its error, if any. It
// returns nil immediately when the server never started.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop stops accepting connections and waits for in-flight requests, bounded
// by ctx. When ctx expires the remaining connections are closed and ctx's
// error is returned. Further calls return nil.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	case StateDraining:
		done := s.done
		s.mu.Unlock()
		<-done
		return nil
	case StateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	srv, done := s.srv, s.done
	s.mu.Unlock()

	s.log.Info("draining")
	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.Warn("drain incomplete, closing connections", slog.Any("err", err))
		_ = srv.Close()
	}
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info("stopped")
	return err
}
