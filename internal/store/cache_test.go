package store

import (
	"database/sql"
	"testing"
	"time"
)

func openTestCache(t *testing.T, opts CacheOptions) *QueryCache {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := NewQueryCache(db, opts, nil)
	if err != nil {
		t.Fatalf("new query cache: %v", err)
	}
	return c
}

func enabledCache(t *testing.T) *QueryCache {
	return openTestCache(t, CacheOptions{Enabled: true})
}

func TestNormalizeQuestion(t *testing.T) {
	cases := []struct{ in, want string }{
		{"How Many   Merchants?", "how many merchants?"},
		{"  trailing  ", "trailing"},
		{"already normal", "already normal"},
		{"TABS\tand\nnewlines", "tabs and newlines"},
	}
	for _, tc := range cases {
		if got := NormalizeQuestion(tc.in); got != tc.want {
			t.Errorf("NormalizeQuestion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	// Idempotent.
	n := NormalizeQuestion("A  B")
	if NormalizeQuestion(n) != n {
		t.Error("normalization is not idempotent")
	}
}

func TestFuzzyMatchScore(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"count of merchants total", "total count of merchants", 1.0},
		{"how many merchants exist", "how many customers exist", 0.75},
		{"completely different words", "nothing shared here at all", 0.0},
		{"", "anything at all here", 0.0},
	}
	for _, tc := range cases {
		if got := FuzzyMatchScore(tc.a, tc.b); got != tc.want {
			t.Errorf("FuzzyMatchScore(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFuzzyMatchShortQuestionsRequireEquality(t *testing.T) {
	if got := FuzzyMatchScore("top 5?", "top 50?"); got != 0 {
		t.Errorf("short near-miss scored %v, want 0", got)
	}
	if got := FuzzyMatchScore("top 5?", "top 5?"); got != 1 {
		t.Errorf("short exact scored %v, want 1", got)
	}
}

func TestFindMatchHashAndHitBookkeeping(t *testing.T) {
	c := enabledCache(t)

	question := "How many merchants do we have?"
	if _, err := c.Save(question, "42 merchants",
		[]ToolUse{{Server: "postgres-mcp", Tool: "execute_query"}},
		[]string{"SELECT COUNT(*) FROM synthetic.merchants"},
		[]string{"progress one"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Different casing and spacing still hits via the normalized hash.
	hit, err := c.FindMatch("how   many MERCHANTS do we have?")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit")
	}
	if hit.ResponseText != "42 merchants" {
		t.Errorf("response = %q", hit.ResponseText)
	}
	if hit.HitCount != 1 || hit.LastHitAt == "" {
		t.Errorf("hit bookkeeping: count=%d last=%q", hit.HitCount, hit.LastHitAt)
	}
	if len(hit.SQLQueries) != 1 || len(hit.ProgressEvents) != 1 {
		t.Errorf("payload lists not preserved: %+v", hit)
	}

	second, err := c.FindMatch(question)
	if err != nil {
		t.Fatal(err)
	}
	if second.HitCount != 2 {
		t.Errorf("second hit count = %d, want 2", second.HitCount)
	}
}

func TestFindMatchFuzzyTier(t *testing.T) {
	c := enabledCache(t)

	if _, err := c.Save("total count of merchants", "answer", nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	// Same word set, different order: misses hash and exact, hits fuzzy.
	hit, err := c.FindMatch("count of merchants total")
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("expected fuzzy hit")
	}

	miss, err := c.FindMatch("count of customers total maybe")
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Fatalf("expected miss below threshold, got %+v", miss)
	}
}

func TestExpiredEntriesAreInvisible(t *testing.T) {
	c := openTestCache(t, CacheOptions{Enabled: true, TTL: time.Hour})

	if _, err := c.Save("an old question about orders", "stale", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	backdate := formatTime(time.Now().Add(-2 * time.Hour))
	if _, err := c.db.Exec(`UPDATE query_cache SET created_at = ?`, backdate); err != nil {
		t.Fatal(err)
	}

	hit, err := c.FindMatch("an old question about orders")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Fatal("expired entry was returned")
	}

	n, err := c.CleanupExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup deleted %d, want 1", n)
	}
}

func TestSaveUpsertResetsBookkeeping(t *testing.T) {
	c := enabledCache(t)

	question := "what is the busiest store location?"
	firstID, err := c.Save(question, "first answer", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if firstID <= 0 {
		t.Fatalf("first save id = %d", firstID)
	}
	if _, err := c.FindMatch(question); err != nil {
		t.Fatal(err)
	}

	// The update branch must still report the row it replaced, not a stale
	// last-insert id.
	secondID, err := c.Save(question, "second answer", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if secondID != firstID {
		t.Errorf("upsert id = %d, want %d", secondID, firstID)
	}

	var hitCount int
	var lastHit sql.NullString
	var text string
	if err := c.db.QueryRow(
		`SELECT hit_count, last_hit_at, response_text FROM query_cache`).
		Scan(&hitCount, &lastHit, &text); err != nil {
		t.Fatal(err)
	}
	if hitCount != 0 || lastHit.Valid {
		t.Errorf("bookkeeping not reset: count=%d last=%v", hitCount, lastHit)
	}
	if text != "second answer" {
		t.Errorf("payload not replaced: %q", text)
	}

	var rows int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM query_cache`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("upsert created %d rows, want 1", rows)
	}
}

func TestDeleteByQuestion(t *testing.T) {
	c := enabledCache(t)

	if _, err := c.Save("delete me please thanks", "x", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	deleted, err := c.DeleteByQuestion("Delete ME  please thanks")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected delete to report true")
	}
	deleted, err = c.DeleteByQuestion("delete me please thanks")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("second delete reported true")
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	c := openTestCache(t, CacheOptions{Enabled: false})

	id, err := c.Save("question while disabled yes", "x", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != -1 {
		t.Errorf("disabled save returned id %d, want -1", id)
	}
	hit, err := c.FindMatch("question while disabled yes")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Fatal("disabled cache returned a hit")
	}

	c.SetEnabled(true)
	if !c.Enabled() {
		t.Fatal("SetEnabled did not take")
	}
}

func TestStatsTopHits(t *testing.T) {
	c := enabledCache(t)

	if _, err := c.Save("popular question about merchants", "a", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Save("unpopular question about orders", "b", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.FindMatch("popular question about merchants"); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 2 || stats.TotalHits != 3 {
		t.Errorf("entries=%d hits=%d", stats.TotalEntries, stats.TotalHits)
	}
	if len(stats.TopHits) == 0 || stats.TopHits[0].Question != "popular question about merchants" {
		t.Errorf("top hits = %+v", stats.TopHits)
	}
}
