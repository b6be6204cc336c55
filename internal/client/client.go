/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package client is a Go client for the devapi HTTP API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"devapi/internal/domain"
)

// ErrNotFound is returned when the service answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response. Detail holds the decoded "detail" field
// when the body carried one.
type StatusError struct {
	Method string
	Path   string
	Status int
	Detail any
}

func (e *StatusError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("server %s %s: %d %s: %v", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Detail)
	}
	return fmt.Sprintf("server %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client is a minimal HTTP client for the devapi service.
type Client struct {
	BaseURL string
	client  *http.Client
}

// New creates a client. baseURL may include a trailing slash; it will be normalized.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Method: method, Path: u.Path, Status: resp.StatusCode}
		var env struct {
			Detail any `json:"detail"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env) == nil {
			se.Detail = env.Detail
		}
		return se
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// Health is the body of GET /health.
type Health struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

// Health calls GET /health. A 503 is returned as *StatusError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// GetRecord fetches one record; a missing key matches ErrNotFound.
func (c *Client) GetRecord(ctx context.Context, key string) (domain.Record, error) {
	var rec domain.Record
	err := c.doJSON(ctx, http.MethodGet, "/records/"+url.PathEscape(key), nil, &rec)
	return rec, err
}

// PutRecord stores value under key. value must be valid JSON.
func (c *Client) PutRecord(ctx context.Context, key string, value json.RawMessage) (domain.Record, error) {
	var rec domain.Record
	err := c.doJSON(ctx, http.MethodPut, "/records/"+url.PathEscape(key), domain.RecordValue{Value: value}, &rec)
	return rec, err
}

// DeleteRecord removes key; a missing key matches ErrNotFound.
func (c *Client) DeleteRecord(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/records/"+url.PathEscape(key), nil, nil)
}

// ListRecords lists records by key prefix. limit <= 0 uses the server default.
func (c *Client) ListRecords(ctx context.Context, prefix string, limit int) ([]domain.Record, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list []domain.Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateTask adds a task.
func (c *Client) CreateTask(ctx context.Context, title string) (domain.Task, error) {
	var t domain.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", domain.TaskInput{Title: title}, &t)
	return t, err
}

// ListTasks returns every task, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var list []domain.Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// MarkTaskDone marks the task done; an unknown id matches ErrNotFound.
func (c *Client) MarkTaskDone(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d/done", id), nil, &t)
	return t, err
}
