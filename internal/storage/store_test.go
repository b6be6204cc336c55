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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openForTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "app.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesParentDirsAndWAL(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "nested", "deeper", "app.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing at %s: %v", path, err)
	}
	if s.Path() != path {
		t.Fatalf("Path() = %q, want %q", s.Path(), path)
	}

	ctx := context.Background()
	var mode string
	err = s.View(ctx, "journal_mode", func(tx Tx) error {
		return tx.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode)
	})
	if err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" && mode != "WAL" {
		t.Fatalf("expected WAL mode, got %s", mode)
	}

	var cnt int
	err = s.View(ctx, "tables", func(tx Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('meta','schema_migrations','records','tasks')`).Scan(&cnt)
	})
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if cnt != 4 {
		t.Fatalf("expected 4 tables, got %d", cnt)
	}
}

func TestOpenIsIdempotentAndDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	ctx := context.Background()

	s, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.PutRecord(ctx, "a", []byte(`1`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	v1, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	v2, err := s2.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v1 != 2 || v2 != v1 {
		t.Fatalf("schema versions = %d then %d, want 2 twice", v1, v2)
	}
	var applied int
	_ = s2.View(ctx, "count", func(tx Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied)
	})
	if applied != 2 {
		t.Fatalf("migrations applied %d times, want 2 rows", applied)
	}
	rec, err := s2.GetRecord(ctx, "a")
	if err != nil {
		t.Fatalf("GetRecord after reopen: %v", err)
	}
	if string(rec.Value) != "1" {
		t.Fatalf("value = %s, want 1", rec.Value)
	}
}

func TestOpenUnwritablePath(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	// A regular file where a directory is needed fails even for root.
	_, err := Open(context.Background(), filepath.Join(blocker, "sub", "app.db"), Options{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Open error = %v, want ErrStorageUnavailable", err)
	}

	// The path itself is a directory.
	_, err = Open(context.Background(), root, Options{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Open(dir) error = %v, want ErrStorageUnavailable", err)
	}

	_, err = Open(context.Background(), "  ", Options{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Open(empty) error = %v, want ErrStorageUnavailable", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := openForTest(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, err := s.GetRecord(context.Background(), "a")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("GetRecord after close = %v, want ErrClosed", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "get_record" {
		t.Fatalf("expected StorageError for get_record, got %#v", err)
	}
}

func TestOpenUsesLiteralFileName(t *testing.T) {
	dir := t.TempDir()
	name := "a#b?c%41 d.db"
	path := filepath.Join(dir, name)
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := s.PutRecord(context.Background(), fmt.Sprintf("k%d", i), []byte(`"some value"`)); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), name) {
			t.Fatalf("unexpected file %q next to %q", e.Name(), name)
		}
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if fi.Size() == 0 {
		t.Fatalf("database written somewhere other than %s", path)
	}
}

func TestCloseCheckpointsWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.PutRecord(context.Background(), "k", []byte(`"v"`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fi, err := os.Stat(path + "-wal"); err == nil && fi.Size() != 0 {
		t.Fatalf("wal not truncated on close: %d bytes", fi.Size())
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openForTest(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, "partial", func(tx Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO records(key, value, updated_at) VALUES('x', '1', '2025-01-01T00:00:00Z')`); err != nil {
			return err
		}
		return boom
	})
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want StorageError wrapping boom", err)
	}
	if _, err := s.GetRecord(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("insert was not rolled back: %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := openForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.PutRecord(ctx, "a", []byte(`1`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PutRecord on canceled ctx = %v, want context.Canceled", err)
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) ObserveStoreOp(op string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, fmt.Sprintf("%s:%v", op, err == nil))
}

func TestObserverSeesEveryOperation(t *testing.T) {
	obs := &recordingObserver{}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "app.db"), Options{Observer: obs})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	_, _ = s.PutRecord(ctx, "a", []byte(`1`))
	_, _ = s.GetRecord(ctx, "missing")
	_ = s.Ping(ctx)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"put_record:true", "get_record:false", "ping:true"}
	if fmt.Sprint(obs.ops) != fmt.Sprint(want) {
		t.Fatalf("observed %v, want %v", obs.ops, want)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("migrations/0002_tasks.sql")
	if err != nil || v != 2 {
		t.Fatalf("parseVersion = %d, %v", v, err)
	}
	if _, err := parseVersion("tasks.sql"); err == nil {
		t.Fatalf("expected error for filename without version")
	}
	if _, err := parseVersion("abc_tasks.sql"); err == nil {
		t.Fatalf("expected error for non-numeric version")
	}
}
