/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"encoding/json"
	"time"
)

// This file defines the values persisted by the store and exchanged over HTTP.

// Length limits shared by the store and the request schemas.
const (
	MaxKeyLen   = 256
	MaxTitleLen = 200
)

// Record is an opaque JSON value addressed by key.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Task is a titled to-do item that can be marked done once.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordInput is the body of POST /records.
type RecordInput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RecordValue is the body of PUT /records/{key}.
type RecordValue struct {
	Value json.RawMessage `json:"value"`
}

// TaskInput is the body of POST /tasks.
type TaskInput struct {
	Title string `json:"title"`
}
