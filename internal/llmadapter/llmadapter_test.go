package llmadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/sentinel/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name  string
		stats map[string]any
		want  []string // substrings expected in result
	}{
		{
			name:  "no stats",
			stats: nil,
			want:  []string{"Summary unavailable"},
		},
		{
			name:  "known keys rendered as key=value",
			stats: map[string]any{"repos": 3, "commits": 12},
			want:  []string{"repos=3", "commits=12"},
		},
		{
			name:  "unknown-only keys yield no notable activity",
			stats: map[string]any{"frobnicators": 9},
			want:  []string{"no notable activity"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fallback("irrelevant prompt", tt.stats)
			for _, substr := range tt.want {
				if !strings.Contains(got, substr) {
					t.Errorf("fallback() = %q, want substring %q", got, substr)
				}
			}
		})
	}
}

func TestAdapter_Complete_UsesFallbackWhenUnconfigured(t *testing.T) {
	a := New(config.AIConfig{}, testLogger())
	got := a.Complete(context.Background(), "summarize this", map[string]any{"repos": 2})
	if !strings.Contains(got, "repos=2") {
		t.Errorf("Complete() = %q, want a fallback mentioning repos=2", got)
	}
}

func TestAdapter_Complete_UsesProviderResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-test" {
			t.Errorf("Model = %q, want gpt-test", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message Message `json:"message"`
			}{{Message: Message{Role: "assistant", Content: "it went well"}}},
		})
	}))
	defer server.Close()

	cfg := config.AIConfig{Provider: server.URL, Credentials: "key", Model: "gpt-test"}
	a := New(cfg, testLogger())

	got := a.Complete(context.Background(), "how did it go", nil)
	if got != "it went well" {
		t.Errorf("Complete() = %q, want %q", got, "it went well")
	}
}

func TestAdapter_Complete_FallsBackOnProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.AIConfig{Provider: server.URL, Credentials: "key", Model: "gpt-test"}
	a := New(cfg, testLogger())

	got := a.Complete(context.Background(), "prompt", map[string]any{"activities": 5})
	if !strings.Contains(got, "activities=5") {
		t.Errorf("Complete() = %q, want fallback mentioning activities=5", got)
	}
}

func TestAdapter_Chat_MaintainsPerUserWindow(t *testing.T) {
	var gotMessageCounts []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotMessageCounts = append(gotMessageCounts, len(req.Messages))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message Message `json:"message"`
			}{{Message: Message{Role: "assistant", Content: "ack"}}},
		})
	}))
	defer server.Close()

	cfg := config.AIConfig{Provider: server.URL, Credentials: "key", Model: "gpt-test"}
	a := New(cfg, testLogger())

	a.Chat(context.Background(), 1, "hello", nil)
	a.Chat(context.Background(), 1, "how are you", nil)

	if len(gotMessageCounts) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(gotMessageCounts))
	}
	if gotMessageCounts[0] != 1 {
		t.Errorf("first call had %d messages, want 1", gotMessageCounts[0])
	}
	if gotMessageCounts[1] != 3 {
		t.Errorf("second call had %d messages, want 3 (user, assistant, user)", gotMessageCounts[1])
	}
}

func TestAdapter_Chat_WindowIsPerUser(t *testing.T) {
	cfg := config.AIConfig{}
	a := New(cfg, testLogger())

	a.Chat(context.Background(), 1, "hi from user 1", nil)
	a.Chat(context.Background(), 2, "hi from user 2", nil)

	if len(a.history[1]) != 2 {
		t.Errorf("user 1 history = %d entries, want 2", len(a.history[1]))
	}
	if len(a.history[2]) != 2 {
		t.Errorf("user 2 history = %d entries, want 2", len(a.history[2]))
	}
}
