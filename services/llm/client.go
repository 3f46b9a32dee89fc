package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
// Chat sends an ordered conversation and returns the generated text.
// Failures are reported as *GenerationError.
type LLMClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}

// Float32 and Int build optional generation parameters inline.
func Float32(v float32) *float32 { return &v }
func Int(v int) *int             { return &v }

// =============================================================================
// Errors
// =============================================================================

// FailureReason classifies why a generation failed.
type FailureReason string

const (
	ReasonQuota     FailureReason = "quota"
	ReasonTimeout   FailureReason = "timeout"
	ReasonMalformed FailureReason = "malformed"
	ReasonUpstream  FailureReason = "upstream"
)

// GenerationError is returned by every backend when a call does not produce
// usable text.
type GenerationError struct {
	Provider string
	Reason   FailureReason
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s generation failed (%s)", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s generation failed (%s): %v", e.Provider, e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewGenerationError wraps err, deriving the timeout reason from context
// errors so callers only need to classify provider responses.
func NewGenerationError(provider string, reason FailureReason, err error) *GenerationError {
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &GenerationError{Provider: provider, Reason: reason, Err: err}
}

// reasonForStatus maps an HTTP status from a provider to a failure reason.
func reasonForStatus(status int) FailureReason {
	switch {
	case status == 429 || status == 402:
		return ReasonQuota
	case status == 408 || status == 504:
		return ReasonTimeout
	default:
		return ReasonUpstream
	}
}

// =============================================================================
// Backend Selection
// =============================================================================

// Backend names accepted by NewClient.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "claude"
	BackendOllama    = "ollama"
)

// ClientConfig selects and configures a backend.
type ClientConfig struct {
	Backend string
	Model   string
	BaseURL string
	APIKey  string
}

// NewClient builds the LLMClient named by cfg.Backend. Ollama and other
// OpenAI-compatible local servers go through the OpenAI client with a
// base URL.
func NewClient(cfg ClientConfig) (LLMClient, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434/v1"
		}
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		return NewOpenAIClient(cfg)
	case BackendAnthropic, "anthropic":
		return NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// readSecret returns the API key from env, falling back to a mounted secret.
func readSecret(envName, secretPath string) string {
	if v := os.Getenv(envName); v != "" {
		return v
	}
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read API key from mounted secret", "path", secretPath)
	return strings.TrimSpace(string(content))
}
