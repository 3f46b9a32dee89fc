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
	"strconv"
	"time"
)

// Environment variables read as flag defaults.
const (
	envPort            = "SKALD_PORT"
	envBackend         = "LLM_BACKEND_TYPE"
	envModel           = "LLM_MODEL"
	envBaseURL         = "LLM_BASE_URL"
	envOTelEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envTracingDisabled = "SKALD_TRACING_DISABLED"
	envPromptsFile     = "SKALD_PROMPTS_FILE"
	envWatchPrompts    = "SKALD_WATCH_PROMPTS"
	envLogLevel        = "SKALD_LOG_LEVEL"
	envLogDir          = "SKALD_LOG_DIR"
	envLogJSON         = "SKALD_LOG_JSON"
	envGenTimeout      = "SKALD_GENERATION_TIMEOUT"
	envIdleTTL         = "SKALD_IDLE_TTL"
	envReapInterval    = "SKALD_REAP_INTERVAL"
	envMaxMembers      = "SKALD_MAX_MEMBERS"
	envMaxPending      = "SKALD_MAX_PENDING_EVENTS"
	envPartialPersonas = "SKALD_ALLOW_PARTIAL_PERSONAS"
	envEventsPerSecond = "SKALD_EVENTS_PER_SECOND"
	envEventBurst      = "SKALD_EVENT_BURST"
	envAuditLog        = "SKALD_AUDIT_LOG"
	envAdminToken      = "SKALD_ADMIN_TOKEN"
	envGinMode         = "GIN_MODE"
)

// envUsage appends the variable name to a flag description.
func envUsage(desc, env string) string {
	return fmt.Sprintf("%s (env %s)", desc, env)
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("Ignoring malformed integer env var", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("Ignoring malformed number env var", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		slog.Warn("Ignoring malformed boolean env var", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Ignoring malformed duration env var", "key", key, "value", value)
	}
	return defaultValue
}
