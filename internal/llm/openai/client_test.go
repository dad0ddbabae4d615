package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Chimera-Swarm/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func newTestServer(t *testing.T, content string, captured *chatRequest, auth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		defer r.Body.Close()
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
}

func TestGenerateParsesConfidence(t *testing.T) {
	var body chatRequest
	var auth string
	srv := newTestServer(t, `{"thought":"plan","reply":"launch post","confidence":0.93}`, &body, &auth)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		TaskType:    "generate_content",
		Instruction: "Execute part 1 of launch",
		Attempt:     1,
		Hints:       map[string]string{"channel": "tiktok"},
		References:  []string{"Tone: playful, no slang"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "launch post" || resp.Thought != "plan" || resp.Confidence != 0.93 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("authorization header missing: %q", auth)
	}
	if body.Model != defaultModelName || len(body.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", body)
	}
	prompt := body.Messages[1].Content
	if !strings.Contains(prompt, "Execute part 1 of launch") || !strings.Contains(prompt, "retry #1") || !strings.Contains(prompt, "channel: tiktok") || !strings.Contains(prompt, "- Tone: playful") {
		t.Fatalf("prompt missing task details: %s", prompt)
	}
}

func TestGenerateFallsBackToPlainText(t *testing.T) {
	srv := newTestServer(t, "just text", nil, nil)
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{Instruction: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "just text" || resp.Confidence >= 0 {
		t.Fatalf("unexpected fallback response: %+v", resp)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Instruction: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
