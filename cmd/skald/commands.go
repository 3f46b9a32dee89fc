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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/skald/services/orchestrator"
)

// --- Global Command Variables ---
var (
	logLevel    string
	logDir      string
	logJSON     bool
	promptsFile string
	serveConfig orchestrator.Config

	rootCmd = &cobra.Command{
		Use:   "skald",
		Short: "Multiplayer narrative session server",
		Long: `Skald hosts shared text adventures. Players join a session with a
short access code, pick a scenario and personas, then take turns while a
language model narrates the outcome of every action.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket and admin HTTP server",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	promptsCmd = &cobra.Command{
		Use:   "prompts",
		Short: "Print the effective prompt configuration as YAML",
		RunE:  runPrompts, // Defined in cmd_prompts.go
	}
)

func init() {
	// Global logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnvString(envLogLevel, "info"),
		envUsage("Log level: debug, info, warn, error", envLogLevel))
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", getEnvString(envLogDir, ""),
		envUsage("Directory for daily JSON log files; empty disables file logging", envLogDir))
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", getEnvBool(envLogJSON, false),
		envUsage("Write console logs as JSON", envLogJSON))
	rootCmd.PersistentFlags().StringVar(&promptsFile, "prompts-file", getEnvString(envPromptsFile, ""),
		envUsage("YAML file overriding the built-in prompts", envPromptsFile))

	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.IntVar(&serveConfig.Port, "port", getEnvInt(envPort, 12210),
		envUsage("HTTP listen port", envPort))
	f.StringVar(&serveConfig.LLMBackend, "backend", getEnvString(envBackend, "openai"),
		envUsage("LLM backend: openai, ollama, claude", envBackend))
	f.StringVar(&serveConfig.Model, "model", getEnvString(envModel, ""),
		envUsage("Model name passed to the backend", envModel))
	f.StringVar(&serveConfig.LLMBaseURL, "llm-base-url", getEnvString(envBaseURL, ""),
		envUsage("Override the backend endpoint for OpenAI-compatible servers", envBaseURL))
	f.StringVar(&serveConfig.OTelEndpoint, "otel-endpoint", getEnvString(envOTelEndpoint, "localhost:4317"),
		envUsage("OTLP gRPC collector address", envOTelEndpoint))
	f.BoolVar(&serveConfig.TracingDisabled, "no-tracing", getEnvBool(envTracingDisabled, false),
		envUsage("Disable the OTLP trace exporter", envTracingDisabled))
	f.StringVar(&serveConfig.GinMode, "gin-mode", getEnvString(envGinMode, "release"),
		envUsage("gin mode: release, debug, test", envGinMode))
	f.DurationVar(&serveConfig.GenerationTimeout, "generation-timeout", getEnvDuration(envGenTimeout, 0),
		envUsage("Bound on one generator call (0 uses 45s)", envGenTimeout))
	f.DurationVar(&serveConfig.IdleSessionTTL, "idle-ttl", getEnvDuration(envIdleTTL, 0),
		envUsage("Inactivity before a session is reaped (0 uses 30m)", envIdleTTL))
	f.DurationVar(&serveConfig.ReapInterval, "reap-interval", getEnvDuration(envReapInterval, 0),
		envUsage("Idle-session sweep interval (0 uses 1m)", envReapInterval))
	f.IntVar(&serveConfig.MaxMembers, "max-members", getEnvInt(envMaxMembers, 0),
		envUsage("Largest session size (0 uses 8)", envMaxMembers))
	f.IntVar(&serveConfig.MaxPendingEvents, "max-pending-events", getEnvInt(envMaxPending, 0),
		envUsage("Per-session queue bound (0 uses 32)", envMaxPending))
	f.BoolVar(&serveConfig.WatchPrompts, "watch-prompts", getEnvBool(envWatchPrompts, false),
		envUsage("Reload --prompts-file on change; running sessions keep their prompts", envWatchPrompts))
	f.BoolVar(&serveConfig.AllowPartialPersonas, "allow-partial-personas", getEnvBool(envPartialPersonas, false),
		envUsage("Let the leader start before every player has a persona", envPartialPersonas))
	f.Float64Var(&serveConfig.EventsPerSecond, "events-per-second", getEnvFloat(envEventsPerSecond, 0),
		envUsage("Per-connection event rate; negative disables limiting (0 uses 5)", envEventsPerSecond))
	f.IntVar(&serveConfig.EventBurst, "event-burst", getEnvInt(envEventBurst, 0),
		envUsage("Per-connection burst (0 uses 10)", envEventBurst))
	f.StringVar(&serveConfig.AuditLogPath, "audit-log", getEnvString(envAuditLog, ""),
		envUsage("Hash-chained session expiry log; empty disables it", envAuditLog))
	f.StringVar(&serveConfig.AdminToken, "admin-token", getEnvString(envAdminToken, ""),
		envUsage("Bearer token for /v1/sessions; empty leaves it open", envAdminToken))

	rootCmd.AddCommand(promptsCmd)
}
