/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"devapi/internal/config"
	"devapi/internal/crash"
	applog "devapi/internal/log"
	"devapi/internal/server"
	"devapi/internal/storage"
	"devapi/internal/telemetry"
	"devapi/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the store and serve HTTP until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printConfig {
				return printEffectiveConfig(cmd.OutOrStdout(), opts.configPath)
			}
			return runServe(cmd.Context(), opts.configPath)
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	return cmd
}

// printEffectiveConfig writes the merged configuration as YAML, preceded by
// one comment line per key taken from the environment.
func printEffectiveConfig(w io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	b, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	for _, o := range config.EnvOverrides() {
		fmt.Fprintf(w, "# %s <- $%s\n", o.Key, o.Env)
	}
	_, err = w.Write(b)
	return err
}

func openStore(ctx context.Context, cfg config.AppConfig, obs storage.Observer) (*storage.Store, error) {
	return storage.Open(ctx, cfg.Store.Path, storage.Options{
		BusyTimeout:  cfg.Store.BusyTimeout(),
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Observer:     obs,
	})
}

// runServe is the service lifecycle: config, logging, tracing, store, server,
// then wait for a signal or a serve failure and shut down in reverse order.
func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		applog.WithComponent("cli").Error("config invalid", slog.Any("err", err))
		return fmt.Errorf("config: %w", err)
	}
	applog.Init(logOptions(cfg.Logging))
	l := applog.WithComponent("cli")

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Stdout:      cfg.Tracing.Stdout,
		Version:     version.Version,
	}); err != nil {
		l.Error("telemetry init failed", slog.Any("err", err))
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()

	metrics := telemetry.NewMetrics()
	st, err := openStore(ctx, cfg, metrics)
	if err != nil {
		l.Error("storage unavailable", slog.Any("err", err))
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			l.Error("store close failed", slog.Any("err", err))
		}
	}()
	defer crash.Recover(filepath.Dir(cfg.Store.Path), st)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server, st, server.WithMetrics(metrics))
	if err := srv.Start(sigCtx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(srv.Wait)
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down", slog.String("reason", context.Cause(gctx).Error()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			st, err := openStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			v, verr := st.SchemaVersion(cmd.Context())
			if cerr := st.Close(); cerr != nil && verr == nil {
				verr = cerr
			}
			if verr != nil {
				return verr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", st.Path(), v)
			return nil
		},
	}
}
