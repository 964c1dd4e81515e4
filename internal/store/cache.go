package store

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tribalhq/tribalbot/internal/metrics"
)

// fuzzyScanLimit bounds the fuzzy tier to the most recently used entries.
const fuzzyScanLimit = 100

// shortQuestionLen is the length below which fuzzy matching degrades to
// exact equality, so "top 5?" never matches "top 50?".
const shortQuestionLen = 15

// ToolUse records one tool invocation inside a cached answer.
type ToolUse struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Detail    string         `json:"detail,omitempty"`
}

// CachedResponse is a stored answer to a previously asked question.
type CachedResponse struct {
	ID                 int64
	QuestionText       string
	QuestionNormalized string
	QuestionHash       string

	ResponseText   string
	ToolsUsed      []ToolUse
	SQLQueries     []string
	ProgressEvents []string

	HitCount  int
	CreatedAt string
	LastHitAt string // empty iff HitCount == 0
}

// Expired reports whether the entry is older than ttl.
func (r *CachedResponse) Expired(ttl time.Duration) bool {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return true
	}
	return time.Since(created) > ttl
}

// NormalizeQuestion lowercases, trims, and collapses whitespace. Idempotent.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// HashQuestion hashes the normalized form. Uniqueness is best-effort; the
// save path upserts on this key.
func HashQuestion(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FuzzyMatchScore scores word overlap between two normalized questions:
// |words(a) ∩ words(b)| / max(|words(a)|, |words(b)|). Questions shorter than
// shortQuestionLen on either side match only on exact equality.
func FuzzyMatchScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if len(a) < shortQuestionLen || len(b) < shortQuestionLen {
		if a == b {
			return 1
		}
		return 0
	}

	wordsA := map[string]bool{}
	for _, w := range strings.Fields(a) {
		wordsA[w] = true
	}
	wordsB := map[string]bool{}
	for _, w := range strings.Fields(b) {
		wordsB[w] = true
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	overlap := 0
	for w := range wordsA {
		if wordsB[w] {
			overlap++
		}
	}
	maxLen := len(wordsA)
	if len(wordsB) > maxLen {
		maxLen = len(wordsB)
	}
	return float64(overlap) / float64(maxLen)
}

// CacheStats summarizes the cache for status surfaces.
type CacheStats struct {
	Enabled      bool
	TotalEntries int
	TotalHits    int
	TTL          time.Duration
	Threshold    float64
	TopHits      []TopHit
}

// TopHit is one of the most frequently served questions.
type TopHit struct {
	Question string
	Hits     int
}

// QueryCache is the question→answer cache backed by the shared database.
type QueryCache struct {
	db        *sql.DB
	mu        sync.Mutex
	logger    *slog.Logger
	enabled   bool
	ttl       time.Duration
	threshold float64
}

// CacheOptions configures a QueryCache.
type CacheOptions struct {
	Enabled        bool
	TTL            time.Duration
	FuzzyThreshold float64
}

// NewQueryCache creates the schema if needed and returns the cache.
func NewQueryCache(db *sql.DB, opts CacheOptions, logger *slog.Logger) (*QueryCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.99
	}

	c := &QueryCache{
		db:        db,
		logger:    logger.With("component", "query_cache"),
		enabled:   opts.Enabled,
		ttl:       opts.TTL,
		threshold: opts.FuzzyThreshold,
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS query_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question_hash       TEXT NOT NULL UNIQUE,
			question_text       TEXT NOT NULL,
			question_normalized TEXT NOT NULL,

			response_text   TEXT NOT NULL,
			tools_used      TEXT NOT NULL,
			sql_queries     TEXT NOT NULL,
			progress_events TEXT NOT NULL,

			hit_count   INTEGER DEFAULT 0,
			created_at  TEXT NOT NULL,
			last_hit_at TEXT
		)`); err != nil {
		return nil, fmt.Errorf("create query_cache table: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_cache_normalized ON query_cache(question_normalized)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_created ON query_cache(created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create cache index: %w", err)
		}
	}

	return c, nil
}

// Enabled reports whether lookups and saves are active.
func (c *QueryCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles the cache at runtime.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	c.logger.Info("query cache toggled", "enabled", enabled)
}

// TTL returns the configured entry lifetime.
func (c *QueryCache) TTL() time.Duration { return c.ttl }

// FindMatch looks up a non-expired cached response for question using the
// three tiers: hash, exact normalized, fuzzy over recent entries. A hit bumps
// hit_count and last_hit_at.
func (c *QueryCache) FindMatch(question string) (*CachedResponse, error) {
	if !c.Enabled() {
		return nil, nil
	}

	normalized := NormalizeQuestion(question)
	hash := HashQuestion(normalized)

	tiers := []struct {
		name string
		find func() (*CachedResponse, error)
	}{
		{"hash", func() (*CachedResponse, error) { return c.findByHash(hash) }},
		{"exact", func() (*CachedResponse, error) { return c.findByNormalized(normalized) }},
		{"fuzzy", func() (*CachedResponse, error) { return c.findFuzzy(normalized) }},
	}

	for _, tier := range tiers {
		cached, err := tier.find()
		if err != nil {
			return nil, err
		}
		if cached != nil && !cached.Expired(c.ttl) {
			if err := c.recordHit(cached.ID); err != nil {
				return nil, err
			}
			cached.HitCount++
			cached.LastHitAt = nowString()
			metrics.CacheLookups.WithLabelValues(tier.name).Inc()
			c.logger.Info("cache hit",
				"tier", tier.name, "id", cached.ID, "question", truncate(question, 50))
			return cached, nil
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	c.logger.Debug("cache miss", "question", truncate(question, 50))
	return nil, nil
}

const selectCachedCols = `
	SELECT id, question_hash, question_text, question_normalized,
	       response_text, tools_used, sql_queries, progress_events,
	       hit_count, created_at, last_hit_at
	FROM query_cache `

func (c *QueryCache) findByHash(hash string) (*CachedResponse, error) {
	row := c.db.QueryRow(selectCachedCols+`WHERE question_hash = ?`, hash)
	return scanCached(row)
}

func (c *QueryCache) findByNormalized(normalized string) (*CachedResponse, error) {
	row := c.db.QueryRow(selectCachedCols+`WHERE question_normalized = ?`, normalized)
	return scanCached(row)
}

func (c *QueryCache) findFuzzy(normalized string) (*CachedResponse, error) {
	rows, err := c.db.Query(selectCachedCols+`
		ORDER BY last_hit_at IS NULL, last_hit_at DESC, created_at DESC
		LIMIT ?`, fuzzyScanLimit)
	if err != nil {
		return nil, fmt.Errorf("fuzzy scan: %w", err)
	}
	defer rows.Close()

	var best *CachedResponse
	bestScore := c.threshold
	for rows.Next() {
		cached, err := scanCachedRows(rows)
		if err != nil {
			return nil, err
		}
		score := FuzzyMatchScore(normalized, cached.QuestionNormalized)
		if score > bestScore {
			bestScore = score
			best = cached
		}
	}
	return best, rows.Err()
}

func (c *QueryCache) recordHit(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`
		UPDATE query_cache
		SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE id = ?`, nowString(), id); err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// Save upserts a response by question hash. Replacing an entry resets its
// hit bookkeeping.
func (c *QueryCache) Save(question, responseText string, toolsUsed []ToolUse, sqlQueries, progressEvents []string) (int64, error) {
	if !c.Enabled() {
		return -1, nil
	}

	normalized := NormalizeQuestion(question)
	hash := HashQuestion(normalized)
	now := nowString()

	toolsJSON, err := marshalOrEmptyList(toolsUsed)
	if err != nil {
		return 0, fmt.Errorf("encode tools_used: %w", err)
	}
	sqlJSON, err := marshalOrEmptyList(sqlQueries)
	if err != nil {
		return 0, fmt.Errorf("encode sql_queries: %w", err)
	}
	progressJSON, err := marshalOrEmptyList(progressEvents)
	if err != nil {
		return 0, fmt.Errorf("encode progress_events: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT INTO query_cache
			(question_hash, question_text, question_normalized,
			 response_text, tools_used, sql_queries, progress_events,
			 hit_count, created_at, last_hit_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL)
		ON CONFLICT(question_hash) DO UPDATE SET
			question_text = excluded.question_text,
			response_text = excluded.response_text,
			tools_used = excluded.tools_used,
			sql_queries = excluded.sql_queries,
			progress_events = excluded.progress_events,
			created_at = excluded.created_at,
			hit_count = 0,
			last_hit_at = NULL`,
		hash, question, normalized,
		responseText, toolsJSON, sqlJSON, progressJSON, now)
	if err != nil {
		return 0, fmt.Errorf("save cache entry: %w", err)
	}

	// LastInsertId is stale when the conflict branch updates in place, so
	// the row id comes from the hash lookup instead.
	var id int64
	if err := c.db.QueryRow(
		`SELECT id FROM query_cache WHERE question_hash = ?`, hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("read saved cache entry: %w", err)
	}
	c.logger.Info("cached response", "id", id, "question", truncate(question, 50))
	return id, nil
}

// DeleteByQuestion removes the entry matching question's hash and reports
// whether one existed.
func (c *QueryCache) DeleteByQuestion(question string) (bool, error) {
	hash := HashQuestion(NormalizeQuestion(question))

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM query_cache WHERE question_hash = ?`, hash)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Info("deleted cache entry", "question", truncate(question, 50))
	}
	return n > 0, nil
}

// Clear removes every entry and returns the number removed.
func (c *QueryCache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM query_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	n, _ := res.RowsAffected()
	c.logger.Info("cleared query cache", "deleted", n)
	return int(n), nil
}

// CleanupExpired removes entries older than the TTL by creation time.
func (c *QueryCache) CleanupExpired() (int, error) {
	cutoff := formatTime(time.Now().Add(-c.ttl))

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM query_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Info("cleaned up expired cache entries", "deleted", n)
	}
	return int(n), nil
}

// Stats reports cache counters for the home tab and startup log.
func (c *QueryCache) Stats() (CacheStats, error) {
	stats := CacheStats{
		Enabled:   c.Enabled(),
		TTL:       c.ttl,
		Threshold: c.threshold,
	}

	var total, hits sql.NullInt64
	if err := c.db.QueryRow(
		`SELECT COUNT(*), SUM(hit_count) FROM query_cache`).Scan(&total, &hits); err != nil {
		return stats, fmt.Errorf("cache totals: %w", err)
	}
	stats.TotalEntries = int(total.Int64)
	stats.TotalHits = int(hits.Int64)

	rows, err := c.db.Query(`
		SELECT question_text, hit_count
		FROM query_cache
		ORDER BY hit_count DESC
		LIMIT 5`)
	if err != nil {
		return stats, fmt.Errorf("cache top hits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hit TopHit
		if err := rows.Scan(&hit.Question, &hit.Hits); err != nil {
			return stats, err
		}
		hit.Question = truncate(hit.Question, 50)
		stats.TopHits = append(stats.TopHits, hit)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCached(row *sql.Row) (*CachedResponse, error) {
	cached, err := scanCachedFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cached, err
}

func scanCachedRows(rows *sql.Rows) (*CachedResponse, error) {
	return scanCachedFrom(rows)
}

func scanCachedFrom(s rowScanner) (*CachedResponse, error) {
	var cached CachedResponse
	var toolsJSON, sqlJSON, progressJSON string
	var lastHit sql.NullString

	if err := s.Scan(
		&cached.ID, &cached.QuestionHash, &cached.QuestionText, &cached.QuestionNormalized,
		&cached.ResponseText, &toolsJSON, &sqlJSON, &progressJSON,
		&cached.HitCount, &cached.CreatedAt, &lastHit,
	); err != nil {
		return nil, err
	}
	cached.LastHitAt = lastHit.String

	if err := json.Unmarshal([]byte(toolsJSON), &cached.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decode tools_used: %w", err)
	}
	if err := json.Unmarshal([]byte(sqlJSON), &cached.SQLQueries); err != nil {
		return nil, fmt.Errorf("decode sql_queries: %w", err)
	}
	if err := json.Unmarshal([]byte(progressJSON), &cached.ProgressEvents); err != nil {
		return nil, fmt.Errorf("decode progress_events: %w", err)
	}
	return &cached, nil
}

func marshalOrEmptyList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
