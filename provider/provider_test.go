package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
)

func TestWithTimeoutMapsDeadline(t *testing.T) {
	slow := Func(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, err := WithTimeout(slow, 10*time.Millisecond).Generate(context.Background(), "hi")
	var ce faults.CollaboratorError
	if !errors.As(err, &ce) || ce.Collaborator != "model" || !ce.TimedOut() {
		t.Fatalf("expected timed-out model error, got %v", err)
	}
}

func TestWithTimeoutRejectsEmptyReply(t *testing.T) {
	blank := Func(func(context.Context, string) (string, error) { return " \n", nil })
	if _, err := WithTimeout(blank, 0).Generate(context.Background(), "hi"); !faults.IsCollaborator(err) {
		t.Fatalf("expected collaborator error, got %v", err)
	}
}

func TestNewOpenAIAgainstStub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]string{"content": req.Model + ":" + req.Messages[0].Content}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := New(context.Background(), config.LLMConfig{
		Provider:     "openai",
		Model:        "gpt-test",
		OpenAIAPIKey: "sk-test",
		BaseURL:      srv.URL,
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := p.Generate(context.Background(), "disk full")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "gpt-test:disk full" {
		t.Fatalf("out = %q", out)
	}
}

func TestNewRequiresKeys(t *testing.T) {
	for _, name := range []string{"openai", "gemini"} {
		if _, err := New(context.Background(), config.LLMConfig{Provider: name}); err == nil {
			t.Fatalf("%s: expected missing key error", name)
		}
	}
	if _, err := New(context.Background(), config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}
