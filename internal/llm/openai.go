package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var errEmptyChoices = errors.New("model returned no choices")

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIGenerator calls an OpenAI-compatible chat endpoint through langchaingo.
type OpenAIGenerator struct {
	model  llms.Model
	logger *slog.Logger
}

// NewOpenAIGenerator builds a generator from cfg.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	logger.Info("OpenAI-compatible generator configured", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &OpenAIGenerator{model: client, logger: logger}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt, purpose string, opts Options) (*Result, error) {
	callOpts := []llms.CallOption{
		llms.WithTemperature(opts.Temperature),
		llms.WithMaxTokens(opts.MaxTokens),
	}
	if opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := g.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, callOpts...)
	if err != nil {
		return nil, domain.Upstream("llm.Generate", "model call failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.Upstream("llm.Generate", "model call failed", errEmptyChoices)
	}

	choice := resp.Choices[0]
	result := &Result{
		Content:    choice.Content,
		TokensUsed: tokenCount(choice.GenerationInfo),
	}
	if opts.JSONMode {
		if env, ok := decodeEnvelope(choice.Content); ok {
			result.Content = env.Message
			result.Structured = env.Outline
		}
	}

	g.logger.Debug("Generation completed", "purpose", purpose, "tokens", result.TokensUsed)
	return result, nil
}

// envelope is the JSON-mode reply shape: chat text plus an optional outline.
type envelope struct {
	Message string          `json:"message"`
	Outline json.RawMessage `json:"outline"`
}

func decodeEnvelope(content string) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &env); err != nil || env.Message == "" {
		return envelope{}, false
	}
	if string(env.Outline) == "null" {
		env.Outline = nil
	}
	return env, true
}

func tokenCount(info map[string]any) int64 {
	switch v := info["TotalTokens"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
