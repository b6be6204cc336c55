/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"devapi/internal/domain"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalid)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key is not valid UTF-8", ErrInvalid)
	}
	if utf8.RuneCountInString(key) > domain.MaxKeyLen {
		return fmt.Errorf("%w: key longer than %d characters", ErrInvalid, domain.MaxKeyLen)
	}
	return nil
}

// PutRecord inserts or replaces the record at key. value must be a JSON
// document; it is stored compacted.
func (s *Store) PutRecord(ctx context.Context, key string, value json.RawMessage) (domain.Record, error) {
	if err := checkKey(key); err != nil {
		return domain.Record{}, err
	}
	if len(bytes.TrimSpace(value)) == 0 || !json.Valid(value) {
		return domain.Record{}, fmt.Errorf("%w: value is not valid JSON", ErrInvalid)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rec := domain.Record{Key: key, Value: json.RawMessage(buf.Bytes()), UpdatedAt: s.now()}
	err := s.Update(ctx, "put_record", func(tx Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO records(key, value, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			rec.Key, string(rec.Value), rec.UpdatedAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// GetRecord returns the record at key or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, key string) (domain.Record, error) {
	if err := checkKey(key); err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	err := s.View(ctx, "get_record", func(tx Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT key, value, updated_at FROM records WHERE key = ?`, key)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		rec = r
		return err
	})
	return rec, err
}

// DeleteRecord removes the record at key or returns ErrNotFound.
func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.Update(ctx, "delete_record", func(tx Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListRecords returns records whose key starts with prefix, ordered by key.
// limit <= 0 selects DefaultListLimit; larger values are capped at MaxListLimit.
func (s *Store) ListRecords(ctx context.Context, prefix string, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out := make([]domain.Record, 0)
	err := s.View(ctx, "list_records", func(tx Tx) error {
		// substr counts characters, which keeps the match case-sensitive unlike LIKE.
		rows, err := tx.QueryContext(ctx, `SELECT key, value, updated_at FROM records
			WHERE substr(key, 1, ?) = ? ORDER BY key LIMIT ?`,
			utf8.RuneCountInString(prefix), prefix, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (domain.Record, error) {
	var (
		r       domain.Record
		value   string
		updated string
	)
	if err := sc.Scan(&r.Key, &value, &updated); err != nil {
		return r, err
	}
	r.Value = json.RawMessage(value)
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return r, fmt.Errorf("parse updated_at for %q: %w", r.Key, err)
	}
	r.UpdatedAt = t
	return r, nil
}
