/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devapi/internal/config"
)

func TestStartStopLifecycle(t *testing.T) {
	s := New(testConfig(), &fakeStore{})
	require.Equal(t, StateCreated, s.State())

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateListening, s.State())
	require.ErrorIs(t, s.Start(context.Background()), ErrServerRunning)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Wait())

	// Idempotent stop, no restart.
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, StateStopped, s.State())
	require.ErrorIs(t, s.Start(context.Background()), ErrServerStopped)

	_, err = http.Get("http://" + s.Addr() + "/health")
	require.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	s := New(testConfig(), &fakeStore{})
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Wait())
}

func TestStartOnBoundPortFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	st := &fakeStore{}
	s := New(cfg, st)
	err = s.Start(context.Background())

	var be *BindError
	require.True(t, errors.As(err, &be), "want *BindError, got %v", err)
	require.Equal(t, cfg.Addr(), be.Addr)
	require.Equal(t, StateCreated, s.State())
	require.Zero(t, st.calls.Load())
}

func TestStopDrainsInFlightRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	st := &fakeStore{ping: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}
	s := New(testConfig(), st)
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()

	type result struct {
		status int
		err    error
	}
	reqDone := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			reqDone <- result{err: err}
			return
		}
		_ = resp.Body.Close()
		reqDone <- result{status: resp.StatusCode}
	}()
	<-entered

	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopDone <- s.Stop(ctx)
	}()
	require.Eventually(t, func() bool { return s.State() == StateDraining }, 2*time.Second, 5*time.Millisecond)

	// New connections are refused while draining.
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)

	close(release)
	res := <-reqDone
	require.NoError(t, res.err)
	require.Equal(t, http.StatusOK, res.status)
	require.NoError(t, <-stopDone)
	require.Equal(t, StateStopped, s.State())
}

func TestStopTimesOutWithStuckRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	st := &fakeStore{ping: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}
	s := New(testConfig(), st)
	require.NoError(t, s.Start(context.Background()))

	go func() {
		resp, err := http.Get("http://" + s.Addr() + "/health")
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	require.Equal(t, StateStopped, s.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "listening", StateListening.String())
	require.Equal(t, "draining", StateDraining.String())
	require.Equal(t, "stopped", StateStopped.String())
}
