package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// FindThread only scans recent history; older alerts for the same task get a
// fresh top-level message instead of a thread reply.
const (
	historyWindow = 24 * time.Hour
	historyLimit  = 50
)

// Client is a thin wrapper around the slack-go SDK.
type Client struct {
	api       *goslack.Client
	channelID string
}

// NewClient creates a Slack API client for the given channel.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
	}
}

// NewClientWithAPIURL creates a Slack API client that targets a custom API URL.
// Useful for testing with a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
	}
}

// PostMessage sends Block Kit blocks to the configured channel. The fallback
// text is what FindThread later matches on, so it must carry the marker.
// If threadTS is non-empty, the message is posted as a threaded reply.
func (c *Client) PostMessage(ctx context.Context, blocks []goslack.Block, fallback, threadTS string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
	}
	if fallback != "" {
		opts = append(opts, goslack.MsgOptionText(fallback, false))
	}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, opts...)
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// FindThread searches recent channel history for a message containing the
// given marker text. Returns the message timestamp (ts) for threading, or
// empty string if not found.
func (c *Client) FindThread(ctx context.Context, marker string) (string, error) {
	oldest := fmt.Sprintf("%d", time.Now().Add(-historyWindow).Unix())

	params := &goslack.GetConversationHistoryParameters{
		ChannelID: c.channelID,
		Oldest:    oldest,
		Limit:     historyLimit,
	}
	history, err := c.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return "", fmt.Errorf("conversations.history failed: %w", err)
	}

	needle := normalizeText(marker)
	for _, msg := range history.Messages {
		if strings.Contains(normalizeText(collectMessageText(msg)), needle) {
			return msg.Timestamp, nil
		}
	}
	return "", nil
}
