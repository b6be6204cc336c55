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
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPutGetRecordRoundTrip(t *testing.T) {
	s := openForTest(t)
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 8, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	put, err := s.PutRecord(ctx, "a", []byte(" 1 "))
	if err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if string(put.Value) != "1" {
		t.Fatalf("stored value not compacted: %q", put.Value)
	}
	got, err := s.GetRecord(ctx, "a")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Key != "a" || string(got.Value) != "1" || !got.UpdatedAt.Equal(fixed) {
		t.Fatalf("GetRecord = %+v", got)
	}

	// overwrite keeps a single row
	if _, err := s.PutRecord(ctx, "a", []byte(`{"n": [1, 2]}`)); err != nil {
		t.Fatalf("PutRecord overwrite: %v", err)
	}
	got, err = s.GetRecord(ctx, "a")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if string(got.Value) != `{"n":[1,2]}` {
		t.Fatalf("overwritten value = %s", got.Value)
	}
	all, err := s.ListRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one record after overwrite, got %d", len(all))
	}
}

func TestRecordValidation(t *testing.T) {
	s := openForTest(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"empty key", "", "1"},
		{"long key", strings.Repeat("k", 257), "1"},
		{"bad utf8", "\xff", "1"},
		{"empty value", "a", ""},
		{"bad json", "a", "{"},
	}
	for _, c := range cases {
		if _, err := s.PutRecord(ctx, c.key, []byte(c.value)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: PutRecord error = %v, want ErrInvalid", c.name, err)
		}
	}
	if _, err := s.PutRecord(ctx, strings.Repeat("é", 256), []byte("null")); err != nil {
		t.Fatalf("256-character key should be accepted: %v", err)
	}
}

func TestGetAndDeleteMissingRecord(t *testing.T) {
	s := openForTest(t)
	ctx := context.Background()
	if _, err := s.GetRecord(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRecord = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRecord(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteRecord = %v, want ErrNotFound", err)
	}
	if _, err := s.PutRecord(ctx, "k", []byte(`true`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.DeleteRecord(ctx, "k"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if _, err := s.GetRecord(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record still present after delete: %v", err)
	}
}

func TestListRecordsPrefixAndLimit(t *testing.T) {
	s := openForTest(t)
	ctx := context.Background()
	for _, k := range []string{"user:2", "user:1", "User:3", "order:1", "user:10"} {
		if _, err := s.PutRecord(ctx, k, []byte(`0`)); err != nil {
			t.Fatalf("PutRecord %s: %v", k, err)
		}
	}
	got, err := s.ListRecords(ctx, "user:", 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	keys := make([]string, len(got))
	for i, r := range got {
		keys[i] = r.Key
	}
	if fmt.Sprint(keys) != "[user:1 user:10 user:2]" {
		t.Fatalf("prefix listing = %v", keys)
	}
	got, err = s.ListRecords(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 || got[0].Key != "User:3" {
		t.Fatalf("limited listing = %+v", got)
	}
}

func TestConcurrentWritesDifferentKeys(t *testing.T) {
	s := openForTest(t)
	ctx := context.Background()
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.PutRecord(ctx, fmt.Sprintf("k%02d", i), []byte(fmt.Sprint(i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent PutRecord: %v", err)
	}
	for i := 0; i < n; i++ {
		rec, err := s.GetRecord(ctx, fmt.Sprintf("k%02d", i))
		if err != nil {
			t.Fatalf("GetRecord k%02d: %v", i, err)
		}
		if string(rec.Value) != fmt.Sprint(i) {
			t.Fatalf("k%02d = %s, want %d", i, rec.Value, i)
		}
	}
}
