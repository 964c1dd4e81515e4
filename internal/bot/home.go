package bot

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// HandleHomeOpened publishes the App Home view with usage instructions and
// live component status.
func (d *Dispatcher) HandleHomeOpened(ctx context.Context, ev *slackevents.AppHomeOpenedEvent) {
	view := slack.HomeTabViewRequest{
		Type:   slack.VTHomeTab,
		Blocks: slack.Blocks{BlockSet: d.homeBlocks()},
	}
	if _, err := d.api.PublishView(ev.User, view, ""); err != nil {
		d.logger.Warn("failed to publish home view", "error", err)
	}
}

func (d *Dispatcher) homeBlocks() []slack.Block {
	var mcpInfo string
	if conn := d.mcp.Connectivity(); conn.TotalTools > 0 {
		mcpInfo = fmt.Sprintf("✅ Connected to %d tools", conn.TotalTools)
	} else {
		mcpInfo = "⚠️ No MCP tools available"
	}

	llmStatus := d.provider.Status()
	fallbackState := "disabled"
	if llmStatus.FallbackEnabled {
		fallbackState = "enabled"
	}

	var contextInfo string
	if stats, err := d.contexts.Stats(); err == nil {
		contextInfo = fmt.Sprintf("📊 %d active conversations", stats.TotalContexts)
	} else {
		contextInfo = fmt.Sprintf("⚠️ Context store error: %v", err)
	}

	var cacheInfo string
	if stats, err := d.cache.Stats(); err == nil {
		state := "disabled"
		if stats.Enabled {
			state = "enabled"
		}
		cacheInfo = fmt.Sprintf("📦 Cache: %d entries, %d hits (%s)",
			stats.TotalEntries, stats.TotalHits, state)
	} else {
		cacheInfo = fmt.Sprintf("⚠️ Cache error: %v", err)
	}

	mrkdwn := func(text string) *slack.TextBlockObject {
		return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
	}

	return []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "🗃️ Tribal Knowledge Bot", true, false)),
		slack.NewSectionBlock(mrkdwn(
			"I help you explore and query your database! Mention me in any channel to get started."), nil, nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(mrkdwn(
			"*How to Use*\n\n"+
				"1. `@TribalKnowledge what tables have customer data?`\n"+
				"2. `@TribalKnowledge show me the merchants schema`\n"+
				"3. `@TribalKnowledge how many orders were placed yesterday?`\n"+
				"4. Follow up in the thread without re-mentioning me!"), nil, nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(mrkdwn(fmt.Sprintf(
			"*Current Status*\n\n"+
				"• %s\n"+
				"• 🤖 LLM: %s\n"+
				"• 🔄 Fallback: %s (%s)\n"+
				"• %s\n"+
				"• %s",
			mcpInfo, llmStatus.PrimaryModel,
			llmStatus.FallbackModel, fallbackState,
			contextInfo, cacheInfo)), nil, nil),
		slack.NewDividerBlock(),
		slack.NewContextBlock("",
			mrkdwn("Powered by *Company-MCP* | synth-mcp for schema | postgres-mcp for SQL")),
	}
}
