package agent

import (
	"strings"
	"testing"
)

func TestDeriveDetail(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		want string
	}{
		{"sql from table", map[string]any{"sql": "SELECT COUNT(*) FROM synthetic.merchants"}, "query synthetic.merchants"},
		{"sql quoted table", map[string]any{"sql": `SELECT * FROM "orders" LIMIT 5`}, "query orders"},
		{"sql without from", map[string]any{"sql": "SELECT 1"}, "SELECT 1"},
		{"table arg", map[string]any{"table": "merchants"}, "merchants"},
		{"table_name arg", map[string]any{"table_name": "orders"}, "orders"},
		{"search query", map[string]any{"query": "merchant revenue"}, `"merchant revenue"`},
		{"limit arg", map[string]any{"limit": float64(25)}, "limit 25"},
		{"empty", map[string]any{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveDetail(tc.args); got != tc.want {
				t.Errorf("deriveDetail(%v) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestDeriveDetailPrefersSQL(t *testing.T) {
	args := map[string]any{
		"sql":   "SELECT * FROM synthetic.orders",
		"table": "ignored",
		"query": "ignored",
	}
	if got := deriveDetail(args); got != "query synthetic.orders" {
		t.Errorf("detail = %q", got)
	}
}

func TestFormatProgress(t *testing.T) {
	completed := []ToolCallInfo{
		{Server: "synth-mcp", Tool: "search_tables", Status: StatusComplete, Detail: `"merchants"`},
		{Server: "postgres-mcp", Tool: "execute_query", Status: StatusError},
	}
	inProgress := []ToolCallInfo{
		{Server: "postgres-mcp", Tool: "execute_query", Status: StatusCalling, Detail: "query merchants"},
	}

	msg := formatProgress(inProgress, completed)

	for _, want := range []string{
		"Working on it",
		"✅ `synth-mcp/search_tables` → \"merchants\"",
		"❌ `postgres-mcp/execute_query` (error)",
		"⏳ `postgres-mcp/execute_query` → query merchants",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("progress missing %q:\n%s", want, msg)
		}
	}

	// Finished tools precede in-flight ones.
	if strings.Index(msg, "✅") > strings.Index(msg, "⏳") {
		t.Error("completed tools rendered after in-flight tools")
	}
}

func TestBuildSystemPromptTruncatesToolList(t *testing.T) {
	var names []string
	for i := 0; i < 25; i++ {
		names = append(names, "synth-mcp__tool_"+string(rune('a'+i)))
	}
	prompt := buildSystemPrompt(names)

	if !strings.Contains(prompt, "(and 5 more)") {
		t.Error("prompt does not collapse the tool list")
	}
	if !strings.Contains(prompt, "Available Tools (25 total)") {
		t.Error("prompt does not report the total")
	}
	if !strings.Contains(prompt, `"server_id__tool_name"`) {
		t.Error("prompt does not explain the naming convention")
	}
}
