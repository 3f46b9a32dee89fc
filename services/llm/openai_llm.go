package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

const openAIProvider = "openai"

type OpenAIClient struct {
	client *openai.Client
	model  string

	// compatMaxTokens sends max_tokens instead of max_completion_tokens.
	// Ollama and other OpenAI-compatible servers only read the former.
	compatMaxTokens bool
}

func NewOpenAIClient(cfg ClientConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = readSecret("OPENAI_API_KEY", "/run/secrets/openai_api_key")
	}
	if apiKey == "" {
		slog.Error("OPENAI_API_KEY environment variable not set and secret not found")
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("LLM model not set, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	defaultBaseURL := clientCfg.BaseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	compat := clientCfg.BaseURL != defaultBaseURL
	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientCfg.BaseURL, "compat_max_tokens", compat)
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           model,
		compatMaxTokens: compat,
	}, nil
}

// Chat implements the LLMClient interface
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	slog.Debug("Generating text via OpenAI", "model", model, "messages", len(messages))

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		if o.compatMaxTokens {
			req.MaxTokens = *params.MaxTokens
		} else {
			req.MaxCompletionTokens = *params.MaxTokens
		}
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		reason := ReasonUpstream
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			reason = reasonForStatus(apiErr.HTTPStatusCode)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			reason = reasonForStatus(reqErr.HTTPStatusCode)
		}
		return "", NewGenerationError(openAIProvider, reason, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", NewGenerationError(openAIProvider, ReasonMalformed, errors.New("no content in response"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
