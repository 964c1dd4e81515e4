// Package bot adapts Slack events into agent-loop invocations and owns the
// process lifecycle: socket-mode pump, background eviction, shutdown order.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/tribalhq/tribalbot/internal/agent"
	"github.com/tribalhq/tribalbot/internal/llm"
	"github.com/tribalhq/tribalbot/internal/mcp"
	"github.com/tribalhq/tribalbot/internal/metrics"
	"github.com/tribalhq/tribalbot/internal/render"
	"github.com/tribalhq/tribalbot/internal/store"
)

// emojiOnlyMaxLen is the rune cutoff below which a non-alphanumeric thread
// message is treated as a stray emoji and ignored. Tunable.
const emojiOnlyMaxLen = 4

const thinkingText = "🤔 Thinking..."

const usageText = "Hi! Ask me anything about your database. For example:\n" +
	"• `@bot what tables have user data?`\n" +
	"• `@bot show me the schema for merchants`\n" +
	"• `@bot how many transactions happened last week?`"

// slackAPI is the slice of the Slack Web API the dispatcher uses. Satisfied
// by *slack.Client; faked in tests.
type slackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReaction(name string, item slack.ItemRef) error
	PublishView(userID string, view slack.HomeTabViewRequest, hash string) (*slack.ViewResponse, error)
}

// indexEntry lets reaction handlers recover the inputs behind a bot response.
type indexEntry struct {
	Question string
	Result   *agent.Result
	ThreadTS string
}

// Dispatcher routes mention, thread-message, reaction, and home events into
// the agent loop and renders the results back into Slack.
type Dispatcher struct {
	api      slackAPI
	loop     *agent.Loop
	contexts *store.ContextStore
	cache    *store.QueryCache
	mcp      *mcp.Client
	provider *llm.Provider
	logger   *slog.Logger

	botUserID string

	indexMu sync.Mutex
	index   map[string]indexEntry // "channel:message_ts"

	// sleep paces cached-progress replay; swapped in tests.
	sleep func(d time.Duration)

	wg sync.WaitGroup
}

// NewDispatcher wires the event handlers. botUserID comes from auth.test at
// startup.
func NewDispatcher(api slackAPI, loop *agent.Loop, contexts *store.ContextStore, cache *store.QueryCache, mcpClient *mcp.Client, provider *llm.Provider, botUserID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		api:       api,
		loop:      loop,
		contexts:  contexts,
		cache:     cache,
		mcp:       mcpClient,
		provider:  provider,
		botUserID: botUserID,
		logger:    logger.With("component", "dispatcher"),
		index:     map[string]indexEntry{},
		sleep:     time.Sleep,
	}
}

// Wait blocks until all in-flight background message tasks finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// extractMessageText strips the bot's own mention token and surrounding
// whitespace. Mentions of other users stay part of the question.
func (d *Dispatcher) extractMessageText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+d.botUserID+">", ""))
}

// isEmojiOnly reports whether a short message carries no alphanumeric
// content, which usually means a reaction emoji typed as text.
func isEmojiOnly(text string) bool {
	runes := []rune(text)
	if len(runes) == 0 || len(runes) > emojiOnlyMaxLen {
		return false
	}
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// HandleMention starts (or continues) a conversation from an @mention.
func (d *Dispatcher) HandleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}

	question := d.extractMessageText(ev.Text)
	if question == "" {
		if _, _, err := d.api.PostMessage(ev.Channel,
			slack.MsgOptionText(usageText, false),
			slack.MsgOptionTS(threadTS)); err != nil {
			d.logger.Warn("failed to post usage message", "error", err)
		}
		return
	}

	metrics.MessagesProcessed.WithLabelValues("mention").Inc()
	d.dispatch(ctx, ev.Channel, threadTS, ev.User, question)
}

// HandleThreadMessage continues a conversation in a thread the bot was
// already summoned to. Everything else is ignored.
func (d *Dispatcher) HandleThreadMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == d.botUserID {
		return
	}
	if ev.ThreadTimeStamp == "" {
		return
	}

	existing, err := d.contexts.Get(ev.Channel, ev.ThreadTimeStamp)
	if err != nil {
		d.logger.Warn("context lookup failed", "error", err)
		return
	}
	if existing == nil {
		// Never mentioned in this thread.
		return
	}

	question := d.extractMessageText(ev.Text)
	if question == "" {
		return
	}
	if isEmojiOnly(question) {
		d.logger.Debug("ignoring emoji-only message", "text", question)
		return
	}

	metrics.MessagesProcessed.WithLabelValues("thread_message").Inc()
	d.dispatch(ctx, ev.Channel, ev.ThreadTimeStamp, ev.User, question)
}

// HandleReaction implements emoji cache control on bot responses:
// 📦 saves, 🔄 clears and re-runs.
func (d *Dispatcher) HandleReaction(ctx context.Context, ev *slackevents.ReactionAddedEvent) {
	key := ev.Item.Channel + ":" + ev.Item.Timestamp

	d.indexMu.Lock()
	entry, ok := d.index[key]
	d.indexMu.Unlock()
	if !ok {
		return
	}
	d.logger.Info("reaction on bot response",
		"reaction", ev.Reaction, "key", key, "user", ev.User)

	item := slack.NewRefToMessage(ev.Item.Channel, ev.Item.Timestamp)

	switch ev.Reaction {
	case "package":
		if d.cache == nil {
			return
		}
		if entry.Result.FromCache {
			if err := d.api.AddReaction("ballot_box_with_check", item); err != nil {
				d.logger.Warn("failed to add reaction", "error", err)
			}
			return
		}
		if len(entry.Result.ToolsUsed) == 0 {
			return
		}
		id, err := d.cache.Save(entry.Question, entry.Result.ResponseText,
			entry.Result.ToolsUsed, entry.Result.SQLQueries, entry.Result.ProgressEvents)
		if err != nil {
			d.logger.Warn("manual cache save failed", "error", err)
			return
		}
		if id > 0 {
			metrics.CacheSaves.WithLabelValues("manual").Inc()
			d.logger.Info("manual cache save", "question", entry.Question)
			if err := d.api.AddReaction("white_check_mark", item); err != nil {
				d.logger.Warn("failed to add reaction", "error", err)
			}
		}

	case "arrows_counterclockwise":
		if d.cache == nil {
			return
		}
		deleted, err := d.cache.DeleteByQuestion(entry.Question)
		if err != nil {
			d.logger.Warn("cache delete failed", "error", err)
			return
		}
		if deleted || entry.Result.FromCache {
			d.logger.Info("cache cleared via reaction", "question", entry.Question)
			if _, _, err := d.api.PostMessage(ev.Item.Channel,
				slack.MsgOptionText("🔄 *Cache cleared* — running fresh query...", false),
				slack.MsgOptionTS(entry.ThreadTS)); err != nil {
				d.logger.Warn("failed to post refresh notice", "error", err)
			}
			metrics.MessagesProcessed.WithLabelValues("refresh").Inc()
			d.dispatch(ctx, ev.Item.Channel, entry.ThreadTS, ev.User, entry.Question)
		} else {
			if err := d.api.AddReaction("x", item); err != nil {
				d.logger.Warn("failed to add reaction", "error", err)
			}
		}
	}
}

// dispatch runs the loop in a background task so the event ack path never
// blocks on model or tool latency.
func (d *Dispatcher) dispatch(ctx context.Context, channel, threadTS, userID, question string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processAndRespond(ctx, channel, threadTS, userID, question)
	}()
}

func (d *Dispatcher) processAndRespond(ctx context.Context, channel, threadTS, userID, question string) {
	_, thinkingTS, err := d.api.PostMessage(channel,
		slack.MsgOptionText(thinkingText, false),
		slack.MsgOptionTS(threadTS))
	if err != nil {
		d.logger.Error("failed to post thinking message", "error", err)
		return
	}

	// The placeholder must always end in an answer or an apology, even if
	// the loop panics.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background task panicked", "panic", r)
			d.editApology(channel, thinkingTS, threadTS, fmt.Sprintf("%v", r))
		}
	}()

	thread, err := d.contexts.GetOrCreate(channel, threadTS, userID)
	if err != nil {
		d.editApology(channel, thinkingTS, threadTS, err.Error())
		return
	}

	onProgress := func(text string) {
		if _, _, _, err := d.api.UpdateMessage(channel, thinkingTS,
			slack.MsgOptionText(text, false)); err != nil {
			d.logger.Warn("failed to update progress", "error", err)
		}
	}

	result := d.loop.Process(ctx, question, thread, onProgress)

	if err := d.contexts.Save(thread); err != nil {
		d.logger.Warn("failed to save thread context", "error", err)
	}

	// A cache hit skipped live progress; replay the recorded events so the
	// thread still shows the work.
	if result.FromCache {
		for i, event := range result.ProgressEvents {
			onProgress(event)
			delay := 200*time.Millisecond + time.Duration(i)*100*time.Millisecond
			if delay > 600*time.Millisecond {
				delay = 600 * time.Millisecond
			}
			d.sleep(delay)
		}
	}

	fallback, blocks := render.Response(result)
	if _, _, _, err := d.api.UpdateMessage(channel, thinkingTS,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...)); err != nil {
		d.logger.Error("failed to post final response", "error", err)
	}

	d.indexMu.Lock()
	d.index[channel+":"+thinkingTS] = indexEntry{
		Question: question,
		Result:   result,
		ThreadTS: threadTS,
	}
	d.indexMu.Unlock()

	d.logger.Info("processed message",
		"channel", channel, "thread_ts", threadTS,
		"tools", len(result.ToolsUsed), "iterations", result.Iterations,
		"from_cache", result.FromCache, "fallback", result.UsedFallback)
}

func (d *Dispatcher) editApology(channel, thinkingTS, threadTS, errText string) {
	apology := fmt.Sprintf(
		"Sorry, I encountered an error: %s\n\nPlease try again or rephrase your question.",
		errText)
	if _, _, _, err := d.api.UpdateMessage(channel, thinkingTS,
		slack.MsgOptionText(apology, false)); err != nil {
		d.logger.Error("failed to edit apology", "error", err)
		if _, _, err := d.api.PostMessage(channel,
			slack.MsgOptionText(apology, false),
			slack.MsgOptionTS(threadTS)); err != nil {
			d.logger.Error("failed to post apology", "error", err)
		}
	}
}
