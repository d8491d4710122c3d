package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/provider/gemini"
	openai_provider "github.com/mohammad-safakhou/selfheal/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
	Gemini Client = "gemini"
)

// collaboratorName tags every model failure.
const collaboratorName = "model"

// Provider is the model-invocation collaborator: prompt in, text out.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// New creates the provider selected by cfg.Provider wrapped with the
// configured timeout.
func New(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch Client(cfg.Provider) {
	case OpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		p = openai_provider.New(openai_provider.Options{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			MaxRetries:  cfg.MaxRetries,
			Timeout:     cfg.Timeout,
		})
	case Gemini:
		if strings.TrimSpace(cfg.GoogleAPIKey) == "" {
			return nil, errors.New("GOOGLE_API_KEY not set")
		}
		p, err = gemini.New(ctx, gemini.Options{
			APIKey:      cfg.GoogleAPIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
	return WithTimeout(p, cfg.Timeout), nil
}

// WithTimeout bounds every call by d and reports every failure, including
// an empty reply, as a faults.CollaboratorError.
func WithTimeout(p Provider, d time.Duration) Provider {
	return Func(func(ctx context.Context, prompt string) (string, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		out, err := p.Generate(ctx, prompt)
		if err != nil {
			return "", faults.Collaborator(collaboratorName, "generate", err)
		}
		if strings.TrimSpace(out) == "" {
			return "", faults.Collaborator(collaboratorName, "generate", errors.New("empty response"))
		}
		return out, nil
	})
}
