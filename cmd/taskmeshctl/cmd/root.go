// Package cmd implements taskmeshctl, a thin cobra shell over the
// Orchestrator facade.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/orchestrator"
)

var jsonOutput bool
var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskmeshctl",
	Short: "taskmeshctl drives agent-orchestration tasks and their subagents",
}

// Execute runs the root command, mapping any returned *apperrors.AppError
// to its documented exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if appErr, ok := err.(*apperrors.AppError); ok {
			os.Exit(appErr.ExitCode())
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON (stable structure) for programmatic consumption")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default: taskmesh.{yaml,json,toml} on the standard search path)")
}

// newOrchestrator loads configuration and wires a fresh Orchestrator for
// one command invocation.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, logger.Default()), nil
}
