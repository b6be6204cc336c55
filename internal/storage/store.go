/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	applog "devapi/internal/log"
	"devapi/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const tracerName = "devapi/internal/storage"

// Tx is the query surface handed to View and Update callbacks. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Observer receives one call per View/Update. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveStoreOp(op string, err error, elapsed time.Duration)
}

// Options tune the SQLite handle. Zero values select the defaults.
type Options struct {
	BusyTimeout  time.Duration // default 5s
	MaxOpenConns int           // default 4
	Observer     Observer
}

// Store is the process-wide handle on the database file.
type Store struct {
	path string
	db   *sql.DB
	obs  Observer
	log  *slog.Logger
	now  func() time.Time

	// life is held shared by every operation and exclusively by Close, so Close
	// waits for in-flight work.
	life    sync.RWMutex
	closed  bool
	writeMu sync.Mutex
}

// Open opens or creates the database at path, creating parent directories as
// needed, enables WAL and applies pending migrations. Re-opening an initialised
// file changes nothing. Every failure matches ErrStorageUnavailable.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "open").With(slog.String("path", path))
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStorageUnavailable)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if err := probe(path); err != nil {
		l.Error("database path not writable", slog.Any("err", err))
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, unavailable(path, "open sqlite", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		l.Error("bootstrap failed", slog.Any("err", err))
		return nil, unavailable(path, "initialise", err)
	}

	s := &Store{
		path: path,
		db:   db,
		obs:  opts.Observer,
		log:  applog.WithComponent("storage"),
		now:  func() time.Time { return time.Now().UTC() },
	}
	l.Info("store ready", slog.Int("max_open_conns", opts.MaxOpenConns))
	return s, nil
}

// probe creates the parent directory and checks that the file itself can be
// opened for writing, so permission problems surface before SQLite's lazy open.
func probe(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return unavailable(path, "create directory for", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return unavailable(path, "open", err)
	}
	if err := f.Close(); err != nil {
		return unavailable(path, "close", err)
	}
	return nil
}

// dsn builds a modernc.org/sqlite URI. Pragmas in the URI are applied to every
// pooled connection, not just the first one. The path is percent-encoded so
// '?', '#' and '%' in file names reach SQLite literally.
func dsn(path string, busy time.Duration) string {
	q := []string{
		"_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}
	escaped := (&url.URL{Path: filepath.ToSlash(path)}).EscapedPath()
	return "file:" + escaped + "?" + strings.Join(q, "&")
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal_mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	if err := ensureMeta(ctx, db); err != nil {
		return err
	}
	return applyMigrations(ctx, db)
}

func ensureMeta(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create meta: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO meta(key, value) VALUES('created_at', ?)`, now); err != nil {
		return fmt.Errorf("seed meta: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES('app_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version.String()); err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	return nil
}

// applyMigrations applies embedded SQL migrations in filename order, each in
// its own transaction together with its schema_migrations row.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := map[int64]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	l := applog.WithOperation(applog.WithComponent("storage"), "migrate")
	for _, fname := range files {
		v, err := parseVersion(fname)
		if err != nil {
			return err
		}
		if applied[v] {
			continue
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", fname))
		if err != nil {
			return err
		}
		l.Info("applying migration", slog.String("file", fname))
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", fname, err)
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", fname, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES(?, ?, ?)`,
			v, fname, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", fname, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", fname, err)
		}
	}
	return nil
}

func parseVersion(name string) (int64, error) {
	base := path.Base(name)
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, errors.New("invalid migration filename: " + name)
	}
	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version from %s: %w", name, err)
	}
	return v, nil
}

// Path returns the database file path. It never changes after Open.
func (s *Store) Path() string { return s.path }

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.View(ctx, "schema_version", func(tx Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	})
	return v, err
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	return s.View(ctx, "ping", func(tx Tx) error {
		var one int
		return tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	})
}

// View runs fn in a transaction that is always rolled back. Views run
// concurrently with each other and with the active writer.
func (s *Store) View(ctx context.Context, op string, fn func(Tx) error) error {
	return s.run(ctx, "view", op, false, fn)
}

// Update runs fn in a transaction that commits when fn returns nil. Writers
// are serialised; once Update returns nil the effects are visible to every
// later View or Update.
func (s *Store) Update(ctx context.Context, op string, fn func(Tx) error) error {
	return s.run(ctx, "update", op, true, fn)
}

func (s *Store) run(ctx context.Context, kind, op string, write bool, fn func(Tx) error) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "sqlite"),
			attribute.String("db.operation", op),
		),
	)
	start := time.Now()
	defer func() {
		if err != nil && !isOutcome(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.obs != nil {
			s.obs.ObserveStoreOp(op, err, time.Since(start))
		}
	}()

	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return &StorageError{Op: op, Err: ErrClosed}
	}
	if write {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: op, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if ferr := fn(tx); ferr != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", slog.String("op", op), slog.Any("err", rerr))
		}
		return wrap(op, ferr)
	}
	if !write {
		_ = tx.Rollback()
		return nil
	}
	if cerr := tx.Commit(); cerr != nil {
		return &StorageError{Op: op, Err: cerr}
	}
	return nil
}

// isOutcome reports errors that describe the request rather than a storage fault.
func isOutcome(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid)
}

func wrap(op string, err error) error {
	if isOutcome(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Close checkpoints the WAL into the main file and releases the handle. It
// waits for in-flight operations. Calls after the first return nil.
func (s *Store) Close() error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Warn("wal checkpoint failed", slog.Any("err", err))
	}
	if err := s.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	s.log.Info("store closed", slog.String("path", s.path))
	return nil
}
