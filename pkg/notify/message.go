package notify

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Slack rejects section text over 3000 characters; stay under with room for
// the truncation suffix.
const maxBlockTextLength = 2900

// EscalationInput carries the fields rendered into a human-review alert.
type EscalationInput struct {
	EscalationID string
	TaskID       string
	AgentID      string
	Language     string
	Iterations   int
	Reason       string
	Task         string
	FailedCode   string
	LastError    string
	Explanation  string
}

// Fingerprint returns the marker embedded in every alert for a task. Repeat
// alerts locate the original message by this marker and thread under it.
func Fingerprint(taskID string) string {
	return "escalation-ref:" + taskID
}

// BuildHumanPendingMessage creates Block Kit blocks for an escalation that
// landed in the human review queue.
func BuildHumanPendingMessage(in EscalationInput) []goslack.Block {
	header := fmt.Sprintf(":rotating_light: *Human review needed*\nTask `%s` from agent `%s` stalled after %d iterations.",
		in.TaskID, in.AgentID, in.Iterations)
	if in.Explanation != "" {
		header += "\n" + in.Explanation
	}

	blocks := []goslack.Block{section(header)}

	if in.Reason != "" {
		blocks = append(blocks, section("*Reason:* "+truncateBlockText(in.Reason)))
	}
	if in.Task != "" {
		blocks = append(blocks, section("*Request:*\n"+truncateBlockText(in.Task)))
	}
	if in.FailedCode != "" {
		label := "*Last attempt:*"
		if in.Language != "" {
			label = fmt.Sprintf("*Last attempt (%s):*", in.Language)
		}
		blocks = append(blocks, section(label+"\n```"+truncateBlockText(in.FailedCode)+"```"))
	}
	if in.LastError != "" {
		blocks = append(blocks, section("*Last error:*\n"+truncateBlockText(in.LastError)))
	}

	footer := "`" + Fingerprint(in.TaskID) + "`"
	if in.EscalationID != "" {
		footer += " (id " + in.EscalationID + ")"
	}
	blocks = append(blocks, section(footer))

	return blocks
}

func section(text string) *goslack.SectionBlock {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
}

// truncateBlockText caps text at the block limit without splitting runes.
func truncateBlockText(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}
