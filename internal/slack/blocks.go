package slack

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/foremanhq/foreman/internal/prompt"
	"github.com/foremanhq/foreman/internal/session"
)

// Action ID prefixes routed by the interaction handler.
const (
	actionAnswerPrefix   = "answer_"
	actionFreeTextPrefix = "freetext_"
	actionStopPrefix     = "stop_"
)

// truncate shortens s to max chars, appending "…" if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// BuildPromptBlocks renders a normalized prompt as a Block Kit message:
// one button per option plus a free-text escape hatch and a stop button.
func BuildPromptBlocks(sessionID, workItemKey string, p prompt.Prompt) []slack.Block {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("❓ *Input needed* — `%s`\n", workItemKey))
	if p.Header != "" {
		sb.WriteString(fmt.Sprintf("*%s*\n", p.Header))
	}
	sb.WriteString(truncate(p.Question, 2500))

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", sb.String(), false, false),
			nil, nil,
		),
	}

	var buttons []slack.BlockElement
	for i, opt := range p.Options {
		buttons = append(buttons, slack.NewButtonBlockElement(
			fmt.Sprintf("%s%s_%d", actionAnswerPrefix, sessionID, i),
			fmt.Sprintf("%d", i),
			slack.NewTextBlockObject("plain_text", truncate(opt, 75), false, false),
		))
	}
	buttons = append(buttons, slack.NewButtonBlockElement(
		actionFreeTextPrefix+sessionID,
		"freetext",
		slack.NewTextBlockObject("plain_text", "✏️ Answer in thread", false, false),
	))
	buttons = append(buttons, slack.NewButtonBlockElement(
		actionStopPrefix+sessionID,
		"stop",
		slack.NewTextBlockObject("plain_text", "🛑 Stop session", false, false),
	))

	blocks = append(blocks, slack.NewActionBlock("prompt_actions_"+sessionID, buttons...))
	return blocks
}

// statusLine formats a terminal notification line.
func statusLine(workItemKey string, status session.Status, summary string) string {
	emoji := "✅"
	switch status {
	case session.StatusFailed:
		emoji = "❌"
	case session.StatusBlocked:
		emoji = "🚧"
	}
	line := fmt.Sprintf("%s `%s` finished with status *%s*", emoji, workItemKey, status)
	if summary != "" {
		line += "\n" + truncate(summary, 2500)
	}
	return line
}
