package ai

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/m-mizutani/gollem/llm/gemini"
	"github.com/m-mizutani/gollem/llm/openai"
)

// ClientConfig selects and configures the model provider.
type ClientConfig struct {
	Provider       string // "openai" or "gemini"
	Model          string
	EmbeddingModel string
	OpenAIAPIKey   string
	GeminiProject  string
	GeminiLocation string
}

// NewLLMClient creates the gollem client for the configured provider.
func NewLLMClient(ctx context.Context, cfg ClientConfig) (gollem.LLMClient, error) {
	switch cfg.Provider {
	case "", "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, goerr.New("OpenAI API key is required")
		}
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
		}
		client, err := openai.New(ctx, cfg.OpenAIAPIKey, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create OpenAI client")
		}
		return client, nil

	case "gemini":
		if cfg.GeminiProject == "" {
			return nil, goerr.New("Gemini project is required")
		}
		var opts []gemini.Option
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		client, err := gemini.New(ctx, cfg.GeminiProject, cfg.GeminiLocation, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create Gemini client")
		}
		return client, nil

	default:
		return nil, goerr.New("unsupported LLM provider", goerr.V("provider", cfg.Provider))
	}
}
