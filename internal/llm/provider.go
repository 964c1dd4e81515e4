// Package llm wraps two OpenAI-compatible backends behind one completion
// call: a primary model served through OpenRouter, and an optional fallback
// model served by OpenAI directly. Credits errors on the primary skip
// straight to the fallback; transient errors retry with capped exponential
// backoff first.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tribalhq/tribalbot/internal/config"
	"github.com/tribalhq/tribalbot/internal/metrics"
	"github.com/tribalhq/tribalbot/internal/store"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// maxPrimaryAttempts bounds retries against the primary backend before the
// fallback is tried.
const maxPrimaryAttempts = 2

// TokenUsage is the token accounting from one completion.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// Response is one completed chat turn.
type Response struct {
	Content      string
	ToolCalls    []store.ToolCall
	Tokens       TokenUsage
	FinishReason string
	UsedFallback bool
	ActualModel  string
}

// Status is the provider configuration snapshot shown at startup and on the
// app home tab.
type Status struct {
	PrimaryModel      string
	FallbackModel     string
	FallbackEnabled   bool
	PrimaryAvailable  bool
	FallbackAvailable bool
}

// Provider dispatches completions with automatic primary-to-fallback
// failover.
type Provider struct {
	cfg    config.LLM
	logger *slog.Logger

	primary  *openai.Client
	fallback *openai.Client

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewProvider builds clients for whichever backends have keys configured.
func NewProvider(cfg config.LLM, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		cfg:    cfg,
		logger: logger.With("component", "llm"),
		sleep:  sleepCtx,
	}
	if cfg.OpenRouterAPIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.OpenRouterAPIKey)
		clientCfg.BaseURL = openRouterBaseURL
		if cfg.OpenRouterURL != "" {
			clientCfg.BaseURL = cfg.OpenRouterURL
		}
		clientCfg.HTTPClient = &http.Client{
			Transport: headerTransport{
				base: http.DefaultTransport,
				headers: map[string]string{
					"HTTP-Referer": "https://github.com/tribalhq",
					"X-Title":      "Tribal Knowledge Slack Bot",
				},
			},
		}
		p.primary = openai.NewClientWithConfig(clientCfg)
	}
	if cfg.OpenAIAPIKey != "" {
		if cfg.OpenAIURL != "" {
			clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
			clientCfg.BaseURL = cfg.OpenAIURL
			p.fallback = openai.NewClientWithConfig(clientCfg)
		} else {
			p.fallback = openai.NewClient(cfg.OpenAIAPIKey)
		}
	}
	return p
}

// Status reports which backends are configured.
func (p *Provider) Status() Status {
	return Status{
		PrimaryModel:      p.cfg.PrimaryModel,
		FallbackModel:     p.cfg.FallbackModel,
		FallbackEnabled:   p.cfg.FallbackEnabled,
		PrimaryAvailable:  p.primary != nil,
		FallbackAvailable: p.fallback != nil,
	}
}

// Complete runs one chat completion against the primary model, retrying
// transient failures up to maxPrimaryAttempts with backoff min(2^(n-1), 10)s,
// then falls back once. When both backends fail the error cites both.
func (p *Provider) Complete(ctx context.Context, messages []store.Message, tools []openai.Tool) (*Response, error) {
	var lastErr error

	if p.primary != nil {
		for attempt := 1; attempt <= maxPrimaryAttempts; attempt++ {
			p.logger.Debug("calling primary model",
				"model", p.cfg.PrimaryModel, "attempt", attempt)

			resp, err := p.complete(ctx, p.primary, p.cfg.PrimaryModel, messages, tools)
			if err == nil {
				resp.ActualModel = p.cfg.PrimaryModel
				return resp, nil
			}
			lastErr = err
			p.logger.Warn("primary model attempt failed",
				"attempt", attempt, "error", err)

			if isCreditsError(err) {
				p.logger.Warn("credits error, falling back immediately")
				break
			}
			if !isRetryableError(err) {
				p.logger.Warn("non-retryable error, attempting fallback")
				break
			}
			if attempt < maxPrimaryAttempts {
				delay := backoff(attempt)
				p.logger.Debug("retrying primary model", "delay", delay)
				p.sleep(ctx, delay)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
			}
		}
	} else {
		p.logger.Warn("primary model not configured")
	}

	if p.cfg.FallbackEnabled && p.fallback != nil {
		p.logger.Info("falling back", "model", p.cfg.FallbackModel)
		resp, err := p.complete(ctx, p.fallback, p.cfg.FallbackModel, messages, tools)
		if err != nil {
			return nil, fmt.Errorf(
				"both primary (%s) and fallback (%s) failed: primary error: %v; fallback error: %w",
				p.cfg.PrimaryModel, p.cfg.FallbackModel, lastErr, err)
		}
		resp.UsedFallback = true
		resp.ActualModel = p.cfg.FallbackModel
		metrics.LLMFallbacks.Inc()
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoProvider
}

func (p *Provider) complete(ctx context.Context, client *openai.Client, model string, messages []store.Message, tools []openai.Tool) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: 0,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion from %s", model)
	}
	return parseResponse(resp), nil
}

func parseResponse(resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]

	var toolCalls []store.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, store.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: store.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	finish := string(choice.FinishReason)
	if finish == "" {
		finish = "stop"
	}
	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Tokens: TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: finish,
	}
}

// toChatMessages converts stored thread messages into the wire format both
// backends accept.
func toChatMessages(messages []store.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func backoff(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}

// headerTransport attaches the OpenRouter app-identification headers to
// every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
