package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message roles. A tool message always carries ToolCallID; an assistant
// message may carry ToolCalls.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCallFunction is the function payload of a tool call, arguments kept as
// the raw JSON string the model emitted.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is one entry in a thread's conversation log.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  string     `json:"timestamp"`
	UserID     string     `json:"user_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ThreadContext is the conversation state for one Slack thread.
type ThreadContext struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	Messages  []Message
	Metadata  map[string]any
	CreatedAt string
	UpdatedAt string
}

// ThreadKey returns the storage identity "<channel>:<thread_ts>".
func (c *ThreadContext) ThreadKey() string {
	return c.ChannelID + ":" + c.ThreadTS
}

// AddUserMessage appends a user message and bumps UpdatedAt.
func (c *ThreadContext) AddUserMessage(content, userID string) *Message {
	if userID == "" {
		userID = c.UserID
	}
	c.Messages = append(c.Messages, Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: nowString(),
		UserID:    userID,
	})
	c.UpdatedAt = nowString()
	return &c.Messages[len(c.Messages)-1]
}

// AddAssistantMessage appends an assistant message, optionally with the tool
// calls it requested.
func (c *ThreadContext) AddAssistantMessage(content string, toolCalls []ToolCall) *Message {
	c.Messages = append(c.Messages, Message{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: nowString(),
		ToolCalls: toolCalls,
	})
	c.UpdatedAt = nowString()
	return &c.Messages[len(c.Messages)-1]
}

// AddToolResult appends a tool message correlated to a prior assistant tool
// call by id.
func (c *ThreadContext) AddToolResult(toolCallID, content string) *Message {
	c.Messages = append(c.Messages, Message{
		Role:       RoleTool,
		Content:    content,
		Timestamp:  nowString(),
		ToolCallID: toolCallID,
	})
	c.UpdatedAt = nowString()
	return &c.Messages[len(c.Messages)-1]
}

// MessagesForLLM returns the trailing max messages. The window start is
// walked back past leading tool messages so every tool result in the window
// keeps its assistant anchor.
func (c *ThreadContext) MessagesForLLM(max int) []Message {
	if max <= 0 || len(c.Messages) <= max {
		return c.Messages
	}
	start := len(c.Messages) - max
	for start > 0 && c.Messages[start].Role == RoleTool {
		start--
	}
	return c.Messages[start:]
}

// ContextStats summarizes the context table for status surfaces.
type ContextStats struct {
	TotalContexts int
	NewestUpdate  string
	OldestUpdate  string
}

// ContextStore persists ThreadContexts in the shared embedded database. All
// mutations take the store lock so concurrent thread work cannot interleave
// writes to one row.
type ContextStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewContextStore creates the schema if needed and returns the store.
func NewContextStore(db *sql.DB, logger *slog.Logger) (*ContextStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ContextStore{db: db, logger: logger.With("component", "context_store")}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_contexts (
			thread_key TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_ts  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			messages   TEXT NOT NULL,
			metadata   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create thread_contexts table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_contexts_updated_at
		ON thread_contexts(updated_at)`); err != nil {
		return nil, fmt.Errorf("create updated_at index: %w", err)
	}

	return s, nil
}

// GetOrCreate returns the context for the thread, inserting a fresh one on
// first mention.
func (s *ContextStore) GetOrCreate(channelID, threadTS, userID string) (*ThreadContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := s.get(channelID, threadTS)
	if err != nil {
		return nil, err
	}
	if ctx != nil {
		return ctx, nil
	}

	now := nowString()
	ctx = &ThreadContext{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		Messages:  []Message{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.Exec(`
		INSERT INTO thread_contexts
			(thread_key, channel_id, thread_ts, user_id, messages, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ctx.ThreadKey(), channelID, threadTS, userID, "[]", "{}", now, now,
	); err != nil {
		return nil, fmt.Errorf("insert context %s: %w", ctx.ThreadKey(), err)
	}

	s.logger.Debug("created thread context", "thread_key", ctx.ThreadKey())
	return ctx, nil
}

// Get returns the context for the thread, or nil when the bot was never
// summoned there.
func (s *ContextStore) Get(channelID, threadTS string) (*ThreadContext, error) {
	return s.get(channelID, threadTS)
}

func (s *ContextStore) get(channelID, threadTS string) (*ThreadContext, error) {
	row := s.db.QueryRow(`
		SELECT channel_id, thread_ts, user_id, messages, metadata, created_at, updated_at
		FROM thread_contexts WHERE thread_key = ?`,
		channelID+":"+threadTS)

	var ctx ThreadContext
	var messagesJSON, metadataJSON string
	err := row.Scan(&ctx.ChannelID, &ctx.ThreadTS, &ctx.UserID,
		&messagesJSON, &metadataJSON, &ctx.CreatedAt, &ctx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &ctx.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", ctx.ThreadKey(), err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &ctx.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", ctx.ThreadKey(), err)
	}
	return &ctx, nil
}

// Save persists the context, stamping UpdatedAt.
func (s *ContextStore) Save(ctx *ThreadContext) error {
	ctx.UpdatedAt = nowString()

	messagesJSON, err := json.Marshal(ctx.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	metadataJSON, err := json.Marshal(ctx.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`
		UPDATE thread_contexts
		SET messages = ?, metadata = ?, updated_at = ?
		WHERE thread_key = ?`,
		string(messagesJSON), string(metadataJSON), ctx.UpdatedAt, ctx.ThreadKey(),
	); err != nil {
		return fmt.Errorf("save context %s: %w", ctx.ThreadKey(), err)
	}

	s.logger.Debug("saved thread context",
		"thread_key", ctx.ThreadKey(), "messages", len(ctx.Messages))
	return nil
}

// Delete removes the thread's context.
func (s *ContextStore) Delete(channelID, threadTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`DELETE FROM thread_contexts WHERE thread_key = ?`,
		channelID+":"+threadTS,
	); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// CleanupOldContexts removes contexts idle longer than maxAge and returns the
// number deleted.
func (s *ContextStore) CleanupOldContexts(maxAge time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`DELETE FROM thread_contexts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("cleaned up old thread contexts", "deleted", n)
	}
	return int(n), nil
}

// Stats reports table-level counters for the home tab and startup log.
func (s *ContextStore) Stats() (ContextStats, error) {
	var stats ContextStats
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM thread_contexts`).Scan(&stats.TotalContexts); err != nil {
		return stats, fmt.Errorf("count contexts: %w", err)
	}
	var newest, oldest sql.NullString
	if err := s.db.QueryRow(
		`SELECT MAX(updated_at), MIN(updated_at) FROM thread_contexts`).
		Scan(&newest, &oldest); err != nil {
		return stats, fmt.Errorf("context age range: %w", err)
	}
	stats.NewestUpdate = newest.String
	stats.OldestUpdate = oldest.String
	return stats, nil
}
