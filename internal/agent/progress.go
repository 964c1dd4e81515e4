package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Tool call status values for progress rendering.
const (
	StatusCalling  = "calling"
	StatusComplete = "complete"
	StatusError    = "error"
)

// ToolCallInfo tracks one tool invocation for progress updates.
type ToolCallInfo struct {
	Server    string
	Tool      string
	Arguments map[string]any
	Status    string
	Detail    string
}

var fromTableRe = regexp.MustCompile(`(?i)\bFROM\s+([a-zA-Z0-9_".]+)`)

// deriveDetail produces a short human summary of a tool call's arguments:
// the queried table for SQL, the named table for schema tools, a quoted form
// for searches, the limit for listings.
func deriveDetail(arguments map[string]any) string {
	if sql, ok := arguments["sql"].(string); ok && sql != "" {
		if m := fromTableRe.FindStringSubmatch(sql); m != nil {
			return "query " + strings.Trim(m[1], `"`)
		}
		return shorten(sql, 50)
	}
	if table, ok := arguments["table"].(string); ok && table != "" {
		return table
	}
	if table, ok := arguments["table_name"].(string); ok && table != "" {
		return table
	}
	if query, ok := arguments["query"].(string); ok && query != "" {
		return fmt.Sprintf("%q", shorten(query, 40))
	}
	if limit, ok := arguments["limit"]; ok {
		return fmt.Sprintf("limit %v", limit)
	}
	return ""
}

func shorten(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// formatProgress renders one whole-message progress update: a header, the
// finished tools, then any in-flight tools.
func formatProgress(inProgress, completed []ToolCallInfo) string {
	var b strings.Builder
	b.WriteString("🤔 *Working on it...*\n")

	for _, t := range completed {
		if t.Status == StatusComplete {
			fmt.Fprintf(&b, "\n✅ `%s/%s`", t.Server, t.Tool)
		} else {
			fmt.Fprintf(&b, "\n❌ `%s/%s` (error)", t.Server, t.Tool)
		}
		if t.Detail != "" {
			fmt.Fprintf(&b, " → %s", t.Detail)
		}
	}
	for _, t := range inProgress {
		fmt.Fprintf(&b, "\n⏳ `%s/%s`", t.Server, t.Tool)
		if t.Detail != "" {
			fmt.Fprintf(&b, " → %s", t.Detail)
		}
	}
	return b.String()
}

// analyzingTrailer is appended once all of a turn's tools have finished and
// the model is composing its next message.
const analyzingTrailer = "\n\n💭 _Analyzing results..._"
