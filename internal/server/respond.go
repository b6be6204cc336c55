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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"devapi/internal/schema"
	"devapi/internal/storage"
)

const maxBodyBytes = 1 << 20

// httpError carries a status and a detail chosen by a handler.
type httpError struct {
	status int
	detail any
}

func (e *httpError) Error() string { return http.StatusText(e.status) }

func errNotFound(detail string) error {
	return &httpError{status: http.StatusNotFound, detail: detail}
}

func errInvalid(msg string) error {
	return &httpError{status: http.StatusUnprocessableEntity, detail: []string{msg}}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &httpError{status: http.StatusRequestEntityTooLarge, detail: "Request body too large"}
		}
		return nil, &httpError{status: http.StatusBadRequest, detail: "could not read request body"}
	}
	return b, nil
}

// writeFailure maps a handler error onto a response. Storage faults and
// unexpected errors are logged; their causes never reach the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		he *httpError
		ve *schema.ValidationError
		se *storage.StorageError
	)
	switch {
	case errors.As(err, &he):
		writeDetail(w, he.status, he.detail)
	case errors.As(err, &ve):
		writeDetail(w, http.StatusUnprocessableEntity, ve.Problems)
	case errors.Is(err, schema.ErrMalformed):
		writeDetail(w, http.StatusBadRequest, "malformed JSON body")
	case errors.Is(err, storage.ErrInvalid):
		writeDetail(w, http.StatusUnprocessableEntity, []string{err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Not Found")
	case errors.As(err, &se):
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "storage failure", slog.String("op", se.Op), slog.Any("err", err))
		writeDetail(w, http.StatusInternalServerError, "storage error")
	default:
		s.log.ErrorContext(r.Context(), "handler failed", slog.Any("err", err))
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
