/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"devapi/internal/domain"
	"devapi/internal/schema"
	"devapi/internal/storage"
)

// unmatchedRoute labels requests that reach the 404 catch-all.
const unmatchedRoute = "unmatched"

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// route is one entry of the routing table. An empty method matches any method.
type route struct {
	method  string
	pattern string
	handle  handlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{http.MethodGet, "/health", s.health},
		{http.MethodGet, "/records", s.listRecords},
		{http.MethodPost, "/records", s.createRecord},
		{http.MethodGet, "/records/{key}", s.getRecord},
		{http.MethodPut, "/records/{key}", s.putRecord},
		{http.MethodDelete, "/records/{key}", s.deleteRecord},
		{http.MethodGet, "/tasks", s.listTasks},
		{http.MethodPost, "/tasks", s.createTask},
		{http.MethodGet, "/tasks/{id}", s.getTask},
		{http.MethodPatch, "/tasks/{id}/done", s.markTaskDone},
		{http.MethodGet, "/metrics", s.serveMetrics},
	}
}

// buildHandler registers the route table, a 405 fallback per known path and
// a 404 catch-all, then wraps the mux in the middleware chain.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	allowed := map[string][]string{}
	for _, rt := range s.routes() {
		mux.Handle(rt.method+" "+rt.pattern, s.adapt(rt))
		allowed[rt.pattern] = append(allowed[rt.pattern], rt.method)
	}
	for pattern, methods := range allowed {
		sort.Strings(methods)
		mux.Handle(pattern, s.adapt(route{pattern: pattern, handle: methodNotAllowed(methods)}))
	}
	mux.Handle("/", s.adapt(route{pattern: unmatchedRoute, handle: func(http.ResponseWriter, *http.Request) error {
		return errNotFound("Not Found")
	}}))

	var h http.Handler = mux
	h = otelhttp.NewHandler(h, "devapi.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return "HTTP " + r.Method }))
	h = s.recoverer(h)
	h = s.accessLog(h)
	h = requestID(h)
	return h
}

// adapt turns a route into an http.Handler: it labels the request with the
// route pattern and maps a returned error onto a response.
func (s *Server) adapt(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := r.Context().Value(routeKey{}).(*routeInfo); ok {
			info.pattern = rt.pattern
		}
		span := trace.SpanFromContext(r.Context())
		span.SetName(r.Method + " " + rt.pattern)
		span.SetAttributes(attribute.String("http.route", rt.pattern))

		if err := rt.handle(w, r); err != nil {
			s.writeFailure(w, r, err)
		}
	})
}

func methodNotAllowed(methods []string) handlerFunc {
	allow := strings.Join(methods, ", ")
	return func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Allow", allow)
		return &httpError{status: http.StatusMethodNotAllowed, detail: "Method Not Allowed"}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WarnContext(r.Context(), "health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "db": "unavailable"})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "db": "ok"})
	return nil
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) error {
	s.metrics.Handler().ServeHTTP(w, r)
	return nil
}

// --- records ---

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return errInvalid("limit must be a positive integer")
		}
		limit = n
	}
	list, err := s.store.ListRecords(r.Context(), q.Get("prefix"), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) error {
	var in domain.RecordInput
	if err := s.decode(w, r, schema.RecordCreate, &in); err != nil {
		return err
	}
	rec, err := s.store.PutRecord(r.Context(), in.Key, in.Value)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.store.GetRecord(r.Context(), r.PathValue("key"))
	if errors.Is(err, storage.ErrNotFound) {
		return errNotFound("Record not found")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) putRecord(w http.ResponseWriter, r *http.Request) error {
	var in domain.RecordValue
	if err := s.decode(w, r, schema.RecordPut, &in); err != nil {
		return err
	}
	rec, err := s.store.PutRecord(r.Context(), r.PathValue("key"), in.Value)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) error {
	err := s.store.DeleteRecord(r.Context(), r.PathValue("key"))
	if errors.Is(err, storage.ErrNotFound) {
		return errNotFound("Record not found")
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// --- tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) error {
	list, err := s.store.ListTasks(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) error {
	var in domain.TaskInput
	if err := s.decode(w, r, schema.TaskCreate, &in); err != nil {
		return err
	}
	t, err := s.store.CreateTask(r.Context(), in.Title)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, t)
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) error {
	id, err := taskID(r)
	if err != nil {
		return err
	}
	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return errNotFound("Task not found")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, t)
	return nil
}

func (s *Server) markTaskDone(w http.ResponseWriter, r *http.Request) error {
	id, err := taskID(r)
	if err != nil {
		return err
	}
	t, err := s.store.MarkTaskDone(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return errNotFound("Task not found")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, t)
	return nil
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errInvalid("id must be an integer")
	}
	return id, nil
}

// decode reads the limited body, validates it against the named schema and
// unmarshals it into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := s.validator.Validate(name, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &httpError{status: http.StatusBadRequest, detail: "malformed JSON body"}
	}
	return nil
}
