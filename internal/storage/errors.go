/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable means the backing file could not be created, opened
	// or initialised. It is fatal at startup.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound means the addressed record or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid means an argument was rejected before reaching the database.
	ErrInvalid = errors.New("invalid argument")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("store closed")
)

// StorageError wraps a failed read or write. Op names the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// unavailable wraps err so it matches ErrStorageUnavailable and keeps the cause.
func unavailable(path, what string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorageUnavailable, what, path, err)
}
