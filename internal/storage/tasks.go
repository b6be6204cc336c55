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
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"devapi/internal/domain"
)

const taskColumns = `id, title, done, created_at`

// CreateTask stores a new, not-done task and returns it with its id.
func (s *Store) CreateTask(ctx context.Context, title string) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(title) > domain.MaxTitleLen {
		return domain.Task{}, fmt.Errorf("%w: title longer than %d characters", ErrInvalid, domain.MaxTitleLen)
	}
	t := domain.Task{Title: title, CreatedAt: s.now().Truncate(time.Second)}
	err := s.Update(ctx, "create_task", func(tx Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO tasks(title, done, created_at) VALUES(?, 0, ?)`,
			t.Title, t.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask returns the task with id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := s.View(ctx, "get_task", func(tx Tx) error {
		var err error
		t, err = getTask(ctx, tx, id)
		return err
	})
	return t, err
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	out := make([]domain.Task, 0)
	err := s.View(ctx, "list_tasks", func(tx Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkTaskDone sets done on the task and returns it, or ErrNotFound.
// Marking an already done task succeeds.
func (s *Store) MarkTaskDone(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := s.Update(ctx, "mark_task_done", func(tx Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET done = 1 WHERE id = ?`, id)
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
		t, err = getTask(ctx, tx, id)
		return err
	})
	return t, err
}

func getTask(ctx context.Context, tx Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func scanTask(sc scanner) (domain.Task, error) {
	var (
		t       domain.Task
		done    int
		created string
	)
	if err := sc.Scan(&t.ID, &t.Title, &done, &created); err != nil {
		return t, err
	}
	t.Done = done != 0
	ts, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return t, fmt.Errorf("parse created_at for task %d: %w", t.ID, err)
	}
	t.CreatedAt = ts
	return t, nil
}
