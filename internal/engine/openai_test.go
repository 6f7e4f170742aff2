package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/types"
	"github.com/Sped0n/texa/internal/worker"
)

// chatServer answers chat completions with content and records the last request body.
func chatServer(t *testing.T, content string, status int) (*httptest.Server, func() map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var last map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		last = body
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error": {"message": "rate limited", "type": "requests"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestOpenAILoaderRequiresKey(t *testing.T) {
	l := &OpenAILoader{}
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("Expected error without an API key")
	}
}

func TestOpenAIModelInfer(t *testing.T) {
	srv, last := chatServer(t, "```latex\n\\mbox{area} = \\pi r^2\n```", http.StatusOK)

	l := &OpenAILoader{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o"}
	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// 1. Default model, fences stripped, KaTeX cleaned
	req := types.NewInferRequest(testPNG(t, 8, 8), types.ModeFormulaOnly, 0.3, "test")
	text, err := m.Infer(context.Background(), worker.Job{Request: req})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != `area = \pi r^2` {
		t.Errorf("Unexpected text %q", text)
	}
	if last()["model"] != "gpt-4o" {
		t.Errorf("Expected default model, got %v", last()["model"])
	}

	body, _ := json.Marshal(last())
	if !strings.Contains(string(body), "data:image/png;base64,") {
		t.Error("Image was not sent as a PNG data URL")
	}

	// 2. The text model slot overrides the model name
	settings := config.Settings{TextModel: &config.ModelSlot{Name: "gpt-4o-mini", Backend: "openai", Dir: "-"}}
	if _, err := m.Infer(context.Background(), worker.Job{Request: req, Settings: settings}); err != nil {
		t.Fatal(err)
	}
	if last()["model"] != "gpt-4o-mini" {
		t.Errorf("Expected overridden model, got %v", last()["model"])
	}
}

func TestOpenAIModelInferError(t *testing.T) {
	srv, _ := chatServer(t, "", http.StatusTooManyRequests)

	l := &OpenAILoader{APIKey: "sk-test", BaseURL: srv.URL}
	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	req := types.NewInferRequest(testPNG(t, 8, 8), types.ModeTextOnly, 0, "test")
	if _, err := m.Infer(context.Background(), worker.Job{Request: req}); err == nil {
		t.Fatal("Expected API error to surface")
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```\nx^2\n```":      "x^2",
		"```latex\nx^2\n```": "x^2",
		"plain":              "plain",
		"```$x$ inline```":   "$x$ inline",
		"  padded result  ":  "padded result",
	}
	for in, want := range tests {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewLoader(t *testing.T) {
	for _, backend := range []string{BackendTexifast, BackendPix2Text, BackendOpenAI} {
		if _, err := NewLoader(Options{Env: config.Environment{Backend: backend}}); err != nil {
			t.Errorf("NewLoader(%s) failed: %v", backend, err)
		}
	}
	if _, err := NewLoader(Options{Env: config.Environment{Backend: "tesseract"}}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
