// Package agent drives the tool-calling loop: compose the prompt and thread
// history, call the model, execute any requested MCP tools, feed results
// back, and repeat until the model answers or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tribalhq/tribalbot/internal/llm"
	"github.com/tribalhq/tribalbot/internal/mcp"
	"github.com/tribalhq/tribalbot/internal/metrics"
	"github.com/tribalhq/tribalbot/internal/store"
)

// MaxIterations bounds the number of model turns per user message.
const MaxIterations = 10

// historyWindow is how many trailing thread messages accompany each prompt.
const historyWindow = 15

// ProgressFunc receives fully-rendered interim messages for in-place edits.
type ProgressFunc func(text string)

// Result is the outcome of processing one user message.
type Result struct {
	ResponseText   string
	UsedFallback   bool
	ActualModel    string
	ToolsUsed      []store.ToolUse
	Iterations     int
	SQLQueries     []string
	ProgressEvents []string
	FromCache      bool
	Err            string
}

// Loop wires the model provider, the tool client, and the query cache into
// one message processor.
type Loop struct {
	mcp      *mcp.Client
	provider *llm.Provider
	cache    *store.QueryCache
	autoSave bool
	logger   *slog.Logger
}

// NewLoop builds a processor. cache may be nil to disable caching entirely.
func NewLoop(mcpClient *mcp.Client, provider *llm.Provider, cache *store.QueryCache, autoSave bool, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		mcp:      mcpClient,
		provider: provider,
		cache:    cache,
		autoSave: autoSave,
		logger:   logger.With("component", "agent"),
	}
}

// Process answers one user message inside the given thread. The thread
// context is mutated (user message, assistant turns, tool results appended);
// the caller saves it. onProgress may be nil.
func (l *Loop) Process(ctx context.Context, userMessage string, thread *store.ThreadContext, onProgress ProgressFunc) *Result {
	thread.AddUserMessage(userMessage, "")

	// Cache short-circuit. A hit skips both the model and the tools; the
	// caller replays the recorded progress events.
	if l.cache != nil && l.cache.Enabled() {
		hit, err := l.cache.FindMatch(userMessage)
		if err != nil {
			l.logger.Warn("cache lookup failed", "error", err)
		}
		if hit != nil {
			l.logger.Info("cache hit",
				"question", userMessage, "hits", hit.HitCount)
			thread.AddAssistantMessage(hit.ResponseText, nil)
			return &Result{
				ResponseText:   hit.ResponseText,
				ToolsUsed:      hit.ToolsUsed,
				SQLQueries:     hit.SQLQueries,
				ProgressEvents: hit.ProgressEvents,
				FromCache:      true,
			}
		}
	}

	result := l.run(ctx, userMessage, thread, onProgress)

	if l.autoSave && l.cache != nil && l.cache.Enabled() &&
		result.Err == "" && !result.FromCache && len(result.ToolsUsed) > 0 {
		if _, err := l.cache.Save(userMessage, result.ResponseText,
			result.ToolsUsed, result.SQLQueries, result.ProgressEvents); err != nil {
			l.logger.Warn("cache auto-save failed", "error", err)
		} else {
			metrics.CacheSaves.WithLabelValues("auto").Inc()
		}
	}
	return result
}

func (l *Loop) run(ctx context.Context, userMessage string, thread *store.ThreadContext, onProgress ProgressFunc) *Result {
	catalog := l.mcp.Tools()
	toolNames := make([]string, len(catalog))
	for i, t := range catalog {
		toolNames[i] = t.FullName()
	}
	toolDefs := llm.ToolDefinitions(catalog)

	messages := append(
		[]store.Message{{Role: store.RoleSystem, Content: buildSystemPrompt(toolNames)}},
		thread.MessagesForLLM(historyWindow)...,
	)

	result := &Result{}
	var completed []ToolCallInfo

	for result.Iterations < MaxIterations {
		result.Iterations++
		l.logger.Debug("loop iteration",
			"iteration", result.Iterations, "max", MaxIterations)

		resp, err := l.provider.Complete(ctx, messages, toolDefs)
		if err != nil {
			l.logger.Error("loop aborted", "error", err)
			result.ResponseText = fmt.Sprintf("I encountered an error: %v", err)
			result.Err = err.Error()
			return result
		}
		result.UsedFallback = resp.UsedFallback
		result.ActualModel = resp.ActualModel

		if len(resp.ToolCalls) == 0 {
			// Final answer.
			text := resp.Content
			if text == "" {
				text = "I processed your request but have no response."
			}
			thread.AddAssistantMessage(text, nil)
			result.ResponseText = text
			return result
		}

		l.logger.Debug("model requested tools", "count", len(resp.ToolCalls))
		assistant := store.Message{
			Role:      store.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		thread.AddAssistantMessage(resp.Content, resp.ToolCalls)

		for _, call := range resp.ToolCalls {
			fullName := call.Function.Name

			// Malformed or missing arguments degrade to an empty object.
			arguments := map[string]any{}
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &arguments); err != nil {
					arguments = map[string]any{}
				}
			}

			serverID, toolName := mcp.ParseToolName(fullName)
			info := ToolCallInfo{
				Server:    serverID,
				Tool:      toolName,
				Arguments: arguments,
				Status:    StatusCalling,
				Detail:    deriveDetail(arguments),
			}
			l.emit(onProgress, result, formatProgress([]ToolCallInfo{info}, completed))

			l.logger.Info("calling tool", "tool", fullName)
			toolResult := l.mcp.CallTool(ctx, fullName, arguments)
			if _, failed := toolResult["error"]; failed {
				info.Status = StatusError
			} else {
				info.Status = StatusComplete
			}
			metrics.ToolCalls.WithLabelValues(serverID, info.Status).Inc()
			completed = append(completed, info)

			result.ToolsUsed = append(result.ToolsUsed, store.ToolUse{
				Server:    serverID,
				Tool:      toolName,
				Arguments: arguments,
				Detail:    info.Detail,
			})
			if sql, ok := arguments["sql"].(string); ok && sql != "" {
				result.SQLQueries = append(result.SQLQueries, sql)
			}

			payload, err := json.Marshal(toolResult)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
			}
			messages = append(messages, store.Message{
				Role:       store.RoleTool,
				Content:    string(payload),
				ToolCallID: call.ID,
			})
			thread.AddToolResult(call.ID, string(payload))
		}

		l.emit(onProgress, result, formatProgress(nil, completed)+analyzingTrailer)
	}

	l.logger.Warn("max iterations reached")
	result.ResponseText = "I reached the maximum number of tool calls. Here's what I found so far."
	thread.AddAssistantMessage(result.ResponseText, nil)
	return result
}

// emit both delivers the progress event and records it for cache replay.
func (l *Loop) emit(onProgress ProgressFunc, result *Result, text string) {
	result.ProgressEvents = append(result.ProgressEvents, text)
	if onProgress != nil {
		onProgress(text)
	}
}
