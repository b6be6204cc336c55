/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"devapi/internal/config"
	"devapi/internal/server"
	"devapi/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "devapi "), out)
}

func TestMigrateCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "app.db")
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDBPath, path)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "schema version 2")

	// Second run is a no-op.
	out, err = execute(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "schema version 2")
}

func TestMigrateWithoutDBPathFails(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDBPath, "")
	_, err := execute(t, "migrate")
	require.ErrorIs(t, err, config.ErrNoDBPath)
	require.Equal(t, 1, run([]string{"migrate"}))
}

func TestServeFailsOnUnwritableStore(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDBPath, filepath.Join(blocker, "app.db"))
	t.Setenv(config.EnvPort, "0")

	err := runServe(context.Background(), "")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
}

func TestServeExitsNonZeroWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDBPath, filepath.Join(t.TempDir(), "app.db"))
	t.Setenv(config.EnvHost, "127.0.0.1")
	t.Setenv(config.EnvPort, strconv.Itoa(port))

	require.Equal(t, 1, run([]string{"serve"}))
}

func TestServePrintConfig(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvHost, "")
	t.Setenv(config.EnvPort, "")
	t.Setenv(config.EnvDBPath, filepath.Join(t.TempDir(), "app.db"))

	out, err := execute(t, "serve", "--print-config")
	require.NoError(t, err)
	require.Contains(t, out, "# store.path <- $DB_PATH\n")
	require.NotContains(t, out, "server.port <-")
	require.Contains(t, out, "port:")
}

func TestClientCommands(t *testing.T) {
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "cli.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ts := httptest.NewServer(server.New(config.ServerConfig{Host: "127.0.0.1"}, st).Handler())
	t.Cleanup(ts.Close)

	out, err := execute(t, "health", "--url", ts.URL)
	require.NoError(t, err)
	require.Contains(t, out, `"status": "ok"`)

	_, err = execute(t, "put", "a", "1", "--url", ts.URL)
	require.NoError(t, err)
	out, err = execute(t, "get", "a", "--url", ts.URL)
	require.NoError(t, err)
	require.Contains(t, out, `"key": "a"`)
	require.Contains(t, out, `"value": 1`)

	_, err = execute(t, "get", "missing", "--url", ts.URL)
	require.ErrorContains(t, err, "no record")

	_, err = execute(t, "put", "a", "{", "--url", ts.URL)
	require.Error(t, err)
}
