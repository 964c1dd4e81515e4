// Package metrics exposes the bot's prometheus counters and the optional
// /metrics listener.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesProcessed counts messages the dispatcher handed to the loop,
	// by entry point.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tribalbot",
		Name:      "messages_processed_total",
		Help:      "Messages processed by the agent loop, by entry point.",
	}, []string{"source"})

	// ToolCalls counts MCP tool invocations by server and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tribalbot",
		Name:      "tool_calls_total",
		Help:      "MCP tool calls, by server and status.",
	}, []string{"server", "status"})

	// CacheLookups counts query-cache lookups by matching tier or miss.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tribalbot",
		Name:      "cache_lookups_total",
		Help:      "Query cache lookups, by result tier.",
	}, []string{"result"})

	// CacheSaves counts cache writes by trigger.
	CacheSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tribalbot",
		Name:      "cache_saves_total",
		Help:      "Query cache saves, by trigger.",
	}, []string{"mode"})

	// LLMFallbacks counts completions served by the fallback backend.
	LLMFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tribalbot",
		Name:      "llm_fallbacks_total",
		Help:      "Completions served by the fallback model.",
	})
)

// Server is the optional /metrics HTTP listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// Serve starts the listener on addr. The returned Server must be shut down on
// exit. Listen errors after startup are logged, not fatal.
func Serve(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	return s
}

// Shutdown stops the listener, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics shutdown", "error", err)
	}
}
