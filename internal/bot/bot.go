package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/tribalhq/tribalbot/internal/agent"
	"github.com/tribalhq/tribalbot/internal/config"
	"github.com/tribalhq/tribalbot/internal/llm"
	"github.com/tribalhq/tribalbot/internal/mcp"
	"github.com/tribalhq/tribalbot/internal/metrics"
	"github.com/tribalhq/tribalbot/internal/store"
)

// Bot owns every component and runs them for the life of the process.
type Bot struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	contexts *store.ContextStore
	cache    *store.QueryCache
	mcp      *mcp.Client
	provider *llm.Provider
	loop     *agent.Loop

	client *slack.Client
	socket *socketmode.Client

	cron       *cron.Cron
	metricsSrv *metrics.Server
}

// New opens the store and builds every component. Nothing talks to the
// network until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	contexts, err := store.NewContextStore(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init context store: %w", err)
	}
	cache, err := store.NewQueryCache(db, store.CacheOptions{
		Enabled:        cfg.Cache.Enabled,
		TTL:            cfg.Cache.TTL,
		FuzzyThreshold: cfg.Cache.FuzzyThreshold,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init query cache: %w", err)
	}

	mcpClient := mcp.NewClient(
		mcp.DefaultServers(cfg.MCP.SynthURL, cfg.MCP.PostgresURL),
		cfg.MCP.Timeout, logger)
	provider := llm.NewProvider(cfg.LLM, logger)
	loop := agent.NewLoop(mcpClient, provider, cache, cfg.Cache.AutoSave, logger)

	client := slack.New(cfg.Slack.BotToken,
		slack.OptionAppLevelToken(cfg.Slack.AppToken))
	socket := socketmode.New(client)

	return &Bot{
		cfg:      cfg,
		logger:   logger.With("component", "bot"),
		db:       db,
		contexts: contexts,
		cache:    cache,
		mcp:      mcpClient,
		provider: provider,
		loop:     loop,
		client:   client,
		socket:   socket,
	}, nil
}

// Run connects everything and pumps socket-mode events until ctx is
// cancelled, then shuts down in order.
func (b *Bot) Run(ctx context.Context) error {
	// Tool servers first; per-server failures are logged, not fatal.
	if err := b.mcp.Initialize(ctx); err != nil {
		b.logger.Warn("MCP initialization", "error", err)
	}
	conn := b.mcp.Connectivity()
	b.logger.Info("MCP connectivity",
		"servers", len(conn.Servers), "tools", conn.TotalTools)

	status := b.provider.Status()
	b.logger.Info("LLM configuration",
		"primary", status.PrimaryModel, "fallback", status.FallbackModel,
		"fallback_enabled", status.FallbackEnabled,
		"primary_available", status.PrimaryAvailable,
		"fallback_available", status.FallbackAvailable)

	if stats, err := b.cache.Stats(); err == nil {
		b.logger.Info("cache status",
			"enabled", stats.Enabled, "entries", stats.TotalEntries, "hits", stats.TotalHits)
	}

	auth, err := b.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.logger.Info("authenticated", "bot_user", auth.UserID, "team", auth.Team)

	dispatcher := NewDispatcher(b.client, b.loop, b.contexts, b.cache,
		b.mcp, b.provider, auth.UserID, b.logger)

	b.startEviction()
	if b.cfg.MetricsAddr != "" {
		b.metricsSrv = metrics.Serve(b.cfg.MetricsAddr, b.logger)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- b.socket.RunContext(ctx) }()

	b.logger.Info("socket mode pump started")
	b.pump(ctx, dispatcher)

	// Ordered shutdown: stop schedules, drain message tasks, close handles.
	b.cron.Stop()
	dispatcher.Wait()
	if b.metricsSrv != nil {
		b.metricsSrv.Shutdown()
	}
	b.mcp.Close()
	if err := b.db.Close(); err != nil {
		b.logger.Warn("store close", "error", err)
	}
	b.logger.Info("shutdown complete")

	if err := <-errCh; err != nil && ctx.Err() == nil {
		return fmt.Errorf("socket mode: %w", err)
	}
	return nil
}

// startEviction schedules the hourly context and cache cleanups.
func (b *Bot) startEviction() {
	b.cron = cron.New()
	b.cron.AddFunc("@hourly", func() {
		if _, err := b.contexts.CleanupOldContexts(b.cfg.ContextTTL); err != nil {
			b.logger.Warn("context eviction failed", "error", err)
		}
	})
	b.cron.AddFunc("@hourly", func() {
		if _, err := b.cache.CleanupExpired(); err != nil {
			b.logger.Warn("cache eviction failed", "error", err)
		}
	})
	b.cron.Start()
}

// pump routes socket-mode events to the dispatcher. Events are acked before
// the work they trigger runs.
func (b *Bot) pump(ctx context.Context, dispatcher *Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				b.logger.Debug("connecting to socket mode")
			case socketmode.EventTypeConnectionError:
				b.logger.Warn("socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeConnected:
				b.logger.Info("connected to socket mode")
			case socketmode.EventTypeEventsAPI:
				apiEvent, castOK := evt.Data.(slackevents.EventsAPIEvent)
				if evt.Request != nil {
					b.socket.Ack(*evt.Request)
				}
				if !castOK {
					b.logger.Warn("unexpected events API payload", "data", evt.Data)
					continue
				}
				b.routeEvent(ctx, dispatcher, apiEvent)
			}
		}
	}
}

func (b *Bot) routeEvent(ctx context.Context, dispatcher *Dispatcher, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		dispatcher.HandleMention(ctx, ev)
	case *slackevents.MessageEvent:
		dispatcher.HandleThreadMessage(ctx, ev)
	case *slackevents.ReactionAddedEvent:
		dispatcher.HandleReaction(ctx, ev)
	case *slackevents.AppHomeOpenedEvent:
		dispatcher.HandleHomeOpened(ctx, ev)
	}
}
