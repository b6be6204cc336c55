/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the service configuration. A YAML file may provide any subset of
// fields; environment variables are applied on top as read-only overrides.
//
// config_version: bump when the structure changes in a backward-incompatible way.
type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	Server        ServerConfig  `yaml:"server"`
	Store         StoreConfig   `yaml:"store"`
	Logging       LoggingConfig `yaml:"logging"`
	Tracing       TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

type StoreConfig struct {
	// Path is the SQLite database file. Required; usually set through DB_PATH.
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Stdout      bool   `yaml:"stdout"`
}

// Defaults returns the service defaults. Store.Path is intentionally empty.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ReadTimeoutMs:     15000,
			WriteTimeoutMs:    15000,
			ShutdownTimeoutMs: 10000,
		},
		Store:   StoreConfig{BusyTimeoutMs: 5000, MaxOpenConns: 4},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "devapi",
			Endpoint:    "http://localhost:4318/v1/traces",
		},
	}
}

// Env var names used as overrides.
const (
	EnvConfigFile = "DEVAPI_CONFIG"

	EnvHost              = "HOST"
	EnvPort              = "PORT"
	EnvReadTimeoutMs     = "DEVAPI_READ_TIMEOUT_MS"
	EnvWriteTimeoutMs    = "DEVAPI_WRITE_TIMEOUT_MS"
	EnvShutdownTimeoutMs = "DEVAPI_SHUTDOWN_TIMEOUT_MS"

	EnvDBPath        = "DB_PATH"
	EnvBusyTimeoutMs = "DEVAPI_BUSY_TIMEOUT_MS"
	EnvMaxOpenConns  = "DEVAPI_MAX_OPEN_CONNS"

	EnvLogLevel  = "DEVAPI_LOG_LEVEL"
	EnvLogFormat = "DEVAPI_LOG_FORMAT"
	EnvLogSource = "DEVAPI_LOG_SOURCE"
	EnvLogFile   = "DEVAPI_LOG_FILE"

	EnvTracingEnabled = "OTEL_TRACING_ENABLED"
	EnvServiceName    = "OTEL_SERVICE_NAME"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvTracingStdout  = "DEVAPI_OTEL_STDOUT"
)

// ErrNoDBPath is returned by Validate when no database path was configured.
var ErrNoDBPath = errors.New("config: store path is required (set " + EnvDBPath + ")")

// Load builds the effective configuration: defaults, then the YAML file at path
// (or $DEVAPI_CONFIG when path is empty; no file when both are empty), then
// environment overrides. The result is validated.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeInto(&cfg, data); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeInto overlays YAML onto cfg; absent keys keep their current values.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func decodeInto(cfg *AppConfig, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Marshal renders cfg as YAML. "devapi serve --print-config" prints it.
func Marshal(cfg AppConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func normalize(cfg *AppConfig) {
	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	cfg.Store.Path = strings.TrimSpace(cfg.Store.Path)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.Tracing.ServiceName = strings.TrimSpace(cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = strings.TrimSpace(cfg.Tracing.Endpoint)
}

func applyEnvOverrides(cfg *AppConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		cfg.Server.Host = v
	}
	ints := []struct {
		env string
		dst *int
	}{
		{EnvPort, &cfg.Server.Port},
		{EnvReadTimeoutMs, &cfg.Server.ReadTimeoutMs},
		{EnvWriteTimeoutMs, &cfg.Server.WriteTimeoutMs},
		{EnvShutdownTimeoutMs, &cfg.Server.ShutdownTimeoutMs},
		{EnvBusyTimeoutMs, &cfg.Store.BusyTimeoutMs},
		{EnvMaxOpenConns, &cfg.Store.MaxOpenConns},
	}
	for _, it := range ints {
		v := strings.TrimSpace(os.Getenv(it.env))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not an integer", it.env, v)
		}
		*it.dst = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTracingEnabled)); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvServiceName)); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTracingStdout)); v != "" {
		cfg.Tracing.Stdout = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	lv := strings.ToLower(strings.TrimSpace(v))
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

// Validate reports the first invalid setting.
func (c AppConfig) Validate() error {
	if c.Store.Path == "" {
		return ErrNoDBPath
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("config: store.max_open_conns must be >= 1, got %d", c.Store.MaxOpenConns)
	}
	if c.Store.BusyTimeoutMs < 0 {
		return fmt.Errorf("config: store.busy_timeout_ms must be >= 0, got %d", c.Store.BusyTimeoutMs)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	env, ok := overrideKeys[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

// Override names a config key whose value came from the environment.
type Override struct {
	Key string
	Env string
}

// EnvOverrides lists the keys currently overridden by environment variables,
// sorted by key.
func EnvOverrides() []Override {
	keys := make([]string, 0, len(overrideKeys))
	for k := range overrideKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Override
	for _, k := range keys {
		if env, ok := EnvOverrideFor(k); ok {
			out = append(out, Override{Key: k, Env: env})
		}
	}
	return out
}

var overrideKeys = map[string]string{
	"server.host":                EnvHost,
	"server.port":                EnvPort,
	"server.read_timeout_ms":     EnvReadTimeoutMs,
	"server.write_timeout_ms":    EnvWriteTimeoutMs,
	"server.shutdown_timeout_ms": EnvShutdownTimeoutMs,
	"store.path":                 EnvDBPath,
	"store.busy_timeout_ms":      EnvBusyTimeoutMs,
	"store.max_open_conns":       EnvMaxOpenConns,
	"logging.level":              EnvLogLevel,
	"logging.format":             EnvLogFormat,
	"logging.source":             EnvLogSource,
	"logging.file":               EnvLogFile,
	"tracing.enabled":            EnvTracingEnabled,
	"tracing.service_name":       EnvServiceName,
	"tracing.endpoint":           EnvOTLPEndpoint,
	"tracing.stdout":             EnvTracingStdout,
}

// Addr is the listen address, host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) ReadTimeout() time.Duration  { return ms(s.ReadTimeoutMs) }
func (s ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMs) }

// ShutdownTimeout bounds the graceful drain; zero or negative means the default.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutMs <= 0 {
		return ms(Defaults().Server.ShutdownTimeoutMs)
	}
	return ms(s.ShutdownTimeoutMs)
}

func (s StoreConfig) BusyTimeout() time.Duration { return ms(s.BusyTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
