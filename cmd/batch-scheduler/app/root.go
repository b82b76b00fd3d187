/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package app wires the batch-scheduler binary's cobra command tree: a
// serve subcommand that runs the scheduler behind an HTTP transport
// adapter, and a bench subcommand that drives synthetic load against one.
package app

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/matrixinfer-ai/dynabatch/internal/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "batch-scheduler",
	Short: "Dynamic request-batching scheduler for a model-inference server",
	Long: `batch-scheduler runs a dynamic request-batching scheduler in front of a
model executor: incoming requests are queued by priority, grouped into
batches under the model's shape and size constraints, and dispatched to a
fixed pool of runner goroutines.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.SetLevel("default", parseLevel(logLevel))
	},
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
}
