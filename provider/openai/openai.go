package openai_provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/selfheal/internal/httpx"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Options configures the chat completions client.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	Timeout     time.Duration
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client calls the OpenAI chat completions API.
type Client struct {
	opts Options
	http *httpx.Client
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, http: httpx.New(opts.Timeout, opts.MaxRetries, 0)}
}

// Generate sends prompt as a single user message and returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var out response
	err := c.http.DoJSON(ctx, "POST", c.opts.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.opts.APIKey},
		request{
			Model:       c.opts.Model,
			Messages:    []Message{{Role: "user", Content: prompt}},
			Temperature: c.opts.Temperature,
			MaxTokens:   c.opts.MaxTokens,
		}, &out)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai chat: no choices")
	}
	return out.Choices[0].Message.Content, nil
}
