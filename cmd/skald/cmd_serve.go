// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skald/pkg/logging"
	"github.com/AleutianAI/skald/services/orchestrator"
)

// runServe starts the server and blocks until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := setupLogging()
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg := serveConfig
	cfg.PromptsPath = promptsFile

	slog.Info("Starting skald",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"model", cfg.Model,
		"tracing", !cfg.TracingDisabled,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("Skald stopped")
	return nil
}

// setupLogging builds the process logger from the global flags and installs
// it as the slog default.
func setupLogging() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "skald",
		JSON:    logJSON,
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}

