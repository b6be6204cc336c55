/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"os"

	"github.com/spf13/cobra"

	"devapi/internal/config"
	"devapi/internal/crash"
	applog "devapi/internal/log"
	"devapi/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and returns the process exit code: 0 on success, 1 on
// any returned error. Panics exit with 2 through crash.Recover.
func run(args []string) int {
	defer crash.Recover("")
	applog.Init(applog.FromEnv())
	defer func() { _ = applog.Close() }()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	url        string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "devapi",
		Short:         "Single-node HTTP service backed by an embedded SQLite file",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		// Bare "devapi" serves, matching the container entrypoint.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	root.PersistentFlags().StringVar(&opts.url, "url", "http://127.0.0.1:8000", "base URL of a running service for client commands")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newHealthCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newVersionCmd(),
	)
	return root
}

func logOptions(c config.LoggingConfig) applog.Options {
	return applog.Options{Level: c.Level, Format: c.Format, AddSource: c.Source, File: c.File}
}
