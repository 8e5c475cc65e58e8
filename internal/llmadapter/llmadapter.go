// Package llmadapter is the LLM Adapter (§4.H): a provider-agnostic
// Complete/Chat oracle. Grounded on the teacher's internal/llm package
// (Client interface, Message/ChatResponse types), generalized from a
// dedicated tool-calling chat-agent loop to a one-shot Complete call
// and a bounded-window Chat call, with a deterministic fallback the
// teacher has no precedent for — new code, written in the teacher's
// defensive-nil-check idiom.
package llmadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/sentinel/internal/config"
	"github.com/nugget/sentinel/internal/httpkit"
)

// Timeout bounds every provider call, per §5.
const Timeout = 30 * time.Second

// windowSize is the default number of prior turns kept per user in Chat.
const windowSize = 10

// Message is a single chat turn, provider-neutral.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what Complete/Chat send to a Provider.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider is the pluggable interface a concrete LLM backend implements.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Adapter is the LLM Adapter: one-shot Complete plus a per-user bounded
// conversation window for Chat.
type Adapter struct {
	provider Provider
	logger   *slog.Logger
	cfg      config.AIConfig

	mu      sync.Mutex
	history map[int64][]Message
}

// New creates an Adapter. When cfg is not Configured(), every call
// returns the deterministic fallback without attempting a provider
// round trip.
func New(cfg config.AIConfig, logger *slog.Logger) *Adapter {
	var provider Provider
	if cfg.Configured() {
		provider = newOpenAICompatibleProvider(cfg, logger)
	}
	return &Adapter{
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		history:  make(map[int64][]Message),
	}
}

// Complete runs a single prompt through the provider, returning a
// deterministic fallback (never an error) if the provider is
// unconfigured, times out, or returns an unparsable response.
func (a *Adapter) Complete(ctx context.Context, prompt string, stats map[string]any) string {
	if a.provider == nil {
		return fallback(prompt, stats)
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	text, err := a.provider.Complete(ctx, CompletionRequest{
		Model:       a.cfg.Model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		a.logger.Warn("llmadapter: completion failed, using fallback", "error", err)
		return fallback(prompt, stats)
	}
	return text
}

// Chat appends message to userID's bounded conversation window, sends
// the window to the provider, and appends the assistant's reply before
// returning it. Falls back deterministically on any provider failure,
// same as Complete.
func (a *Adapter) Chat(ctx context.Context, userID int64, message string, stats map[string]any) string {
	a.mu.Lock()
	window := append(a.history[userID], Message{Role: "user", Content: message})
	if len(window) > windowSize*2 {
		window = window[len(window)-windowSize*2:]
	}
	a.mu.Unlock()

	var reply string
	if a.provider == nil {
		reply = fallback(message, stats)
	} else {
		ctx, cancel := context.WithTimeout(ctx, Timeout)
		defer cancel()
		text, err := a.provider.Complete(ctx, CompletionRequest{
			Model:       a.cfg.Model,
			Messages:    window,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if err != nil || strings.TrimSpace(text) == "" {
			a.logger.Warn("llmadapter: chat failed, using fallback", "user_id", userID, "error", err)
			reply = fallback(message, stats)
		} else {
			reply = text
		}
	}

	a.mu.Lock()
	window = append(window, Message{Role: "assistant", Content: reply})
	if len(window) > windowSize*2 {
		window = window[len(window)-windowSize*2:]
	}
	a.history[userID] = window
	a.mu.Unlock()

	return reply
}

// fallback synthesizes a deterministic summary from input statistics
// when the provider is unavailable or fails. Never surfaces an error
// to the caller — the Report Orchestrator treats this as a successful
// enrichment stage.
func fallback(input string, stats map[string]any) string {
	if len(stats) == 0 {
		return "Summary unavailable: no activity statistics to report."
	}
	var b strings.Builder
	b.WriteString("Summary (generated without AI assistance): ")
	first := true
	for _, key := range []string{"repos", "activities", "commits", "issues", "prs", "releases"} {
		v, ok := stats[key]
		if !ok {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", key, v)
		first = false
	}
	if first {
		b.WriteString("no notable activity")
	}
	b.WriteString(".")
	return b.String()
}

// openAICompatibleProvider speaks the OpenAI-compatible chat-completion
// protocol ({model, messages, maxTokens, temperature}), the default
// provider shape per §4.H.
type openAICompatibleProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newOpenAICompatibleProvider(cfg config.AIConfig, logger *slog.Logger) *openAICompatibleProvider {
	// The provider name "openai-compatible" (the config default) selects
	// the public endpoint; any other non-empty value is the base URL.
	baseURL := cfg.Provider
	if baseURL == "" || baseURL == "openai-compatible" {
		baseURL = "https://api.openai.com/v1"
	}
	return &openAICompatibleProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.Credentials,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(Timeout),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (p *openAICompatibleProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, errBody)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
