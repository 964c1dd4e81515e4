// Package render converts a finished agent result into Slack Block Kit
// messages, working around the platform's per-block size limits.
package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/tribalhq/tribalbot/internal/agent"
	"github.com/tribalhq/tribalbot/internal/store"
)

const (
	// sectionLimit is the budget for one mrkdwn section block. Slack caps
	// text objects at 3000 characters; headroom covers the fence markers.
	sectionLimit = 2900

	// codeLimit caps one preformatted block.
	codeLimit = 3000

	// toolSummaryMax bounds how many tool calls the summary line names.
	toolSummaryMax = 10
)

// Response renders the result into (fallback_text, blocks). fallback_text is
// the plain-text notification preview; blocks is the structured message.
func Response(result *agent.Result) (string, []slack.Block) {
	var blocks []slack.Block

	if len(result.ToolsUsed) > 0 {
		blocks = append(blocks,
			slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.MarkdownType, toolSummary(result.ToolsUsed), false, false)),
			slack.NewDividerBlock(),
		)
	}

	blocks = append(blocks, textBlocks(result.ResponseText)...)

	if len(result.SQLQueries) > 0 {
		// The last query is the one that produced the answer; earlier ones
		// were typically exploratory.
		lastSQL := result.SQLQueries[len(result.SQLQueries)-1]
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.MarkdownType, "🛢️ *SQL Query Executed*", false, false)),
			codeBlock(lastSQL),
		)
	}

	if result.UsedFallback {
		blocks = append(blocks,
			slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.MarkdownType,
					fmt.Sprintf("⚠️ _Used fallback model: %s_", result.ActualModel), false, false)))
	}

	return fallbackText(result.ResponseText), blocks
}

func toolSummary(tools []store.ToolUse) string {
	var parts []string
	for i, t := range tools {
		if i == toolSummaryMax {
			parts = append(parts, fmt.Sprintf("(+%d more)", len(tools)-toolSummaryMax))
			break
		}
		item := fmt.Sprintf("`%s/%s`", t.Server, t.Tool)
		if t.Detail != "" {
			item += " → " + t.Detail
		}
		parts = append(parts, item)
	}
	return "🔧 *Used:* " + strings.Join(parts, " • ")
}

// textBlocks splits the response on triple-backtick fences: even segments
// become mrkdwn sections, odd segments preformatted code blocks.
func textBlocks(text string) []slack.Block {
	var blocks []slack.Block
	for i, segment := range strings.Split(text, "```") {
		if i%2 == 0 {
			for _, chunk := range chunkMarkdown(segment, sectionLimit) {
				blocks = append(blocks, slack.NewSectionBlock(
					slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil))
			}
		} else if b := codeBlock(segment); b != nil {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, " ", false, false), nil, nil))
	}
	return blocks
}

// chunkMarkdown splits mrkdwn text into pieces at paragraph boundaries,
// falling back to a hard cut for one oversized paragraph.
func chunkMarkdown(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		for len(para) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			head := cutRuneSafe(para, limit)
			chunks = append(chunks, head)
			para = para[len(head):]
		}
		if current.Len()+len(para)+2 > limit && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// codeBlock renders one fenced segment as a preformatted section, dropping a
// leading language-hint line and capping the length.
func codeBlock(code string) slack.Block {
	code = strings.Trim(code, "\n")
	if code == "" {
		return nil
	}

	// "sql\nSELECT ..." style hints from the fence opener.
	if first, rest, ok := strings.Cut(code, "\n"); ok && isLanguageHint(first) {
		code = rest
	}
	if len(code) > codeLimit {
		code = cutRuneSafe(code, codeLimit-20) + "\n... (truncated)"
	}
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "```\n"+code+"\n```", false, false), nil, nil)
}

func isLanguageHint(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 12 {
		return false
	}
	for _, r := range line {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// fallbackText is the short plain preview used for notifications.
func fallbackText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	const max = 150
	if len(text) > max {
		return cutRuneSafe(text, max) + "..."
	}
	if text == "" {
		return "Response"
	}
	return text
}

// TruncateForSlack cuts plain text to the platform's message limit,
// preferring a newline boundary near the end, and appends a visible marker.
func TruncateForSlack(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	truncated := cutRuneSafe(text, maxLength-50)
	if i := strings.LastIndex(truncated, "\n"); i > maxLength-500 {
		truncated = truncated[:i]
	}
	return truncated + "\n\n... _(response truncated)_"
}

// cutRuneSafe truncates s to at most n bytes without splitting a rune.
func cutRuneSafe(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
