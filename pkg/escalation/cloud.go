package escalation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

const cloudSystemPrompt = "You are a senior engineer repairing code that a smaller " +
	"model generated and could not get working. Reply with a short explanation " +
	"followed by the full corrected program in one fenced code block."

const cloudMaxTokens = 2048

// CloudBackend asks a hosted inference API to repair the failed code. The
// provider is chosen by configuration: "openai" covers any OpenAI-compatible
// endpoint, "anthropic" the Anthropic Messages API.
type CloudBackend struct {
	cfg       config.CloudBackendConfig
	openai    *openai.Client
	anthropic *anthropic.Client
}

// NewCloud builds the cloud-inference backend. A missing API key or unknown
// provider declines every request.
func NewCloud(cfg config.CloudBackendConfig) *CloudBackend {
	b := &CloudBackend{cfg: cfg}
	key := apiKey(cfg.APIKeyEnv)
	if key == "" {
		return b
	}

	switch cfg.Provider {
	case config.CloudProviderOpenAI:
		opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(opts...)
		b.openai = &client
	case config.CloudProviderAnthropic:
		opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		b.anthropic = &client
	}
	return b
}

func (b *CloudBackend) Name() string { return config.BackendCloudInference }

func (b *CloudBackend) AttemptTimeout() time.Duration { return b.cfg.AttemptTimeout }

// Try runs one completion against the configured provider.
func (b *CloudBackend) Try(ctx context.Context, req *Request) (*Outcome, error) {
	prompt := repairPrompt(req)

	var text string
	var err error
	switch {
	case b.openai != nil:
		text, err = b.completeOpenAI(ctx, prompt)
	case b.anthropic != nil:
		text, err = b.completeAnthropic(ctx, prompt)
	default:
		return nil, ErrDeclined
	}
	if err != nil {
		return nil, err
	}

	code := provider.ExtractCode(text)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("cloud response carried no code")
	}
	return &Outcome{ImprovedCode: code, Explanation: text}, nil
}

func (b *CloudBackend) completeOpenAI(ctx context.Context, prompt string) (string, error) {
	resp, err := b.openai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(cloudSystemPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Opt(int64(cloudMaxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *CloudBackend) completeAnthropic(ctx context.Context, prompt string) (string, error) {
	resp, err := b.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		MaxTokens: cloudMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: cloudSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic completion carried no text")
	}
	return sb.String(), nil
}

// repairPrompt folds the escalation into one instruction block. The request
// is already redacted by the resolver.
func repairPrompt(req *Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task (%s):\n%s\n\n", req.Language, req.Task)
	fmt.Fprintf(&sb, "Failed code:\n```%s\n%s\n```\n\n", req.Language, req.FailedCode)
	if len(req.ErrorHistory) > 0 {
		sb.WriteString("Errors across attempts, oldest first:\n")
		for i, e := range req.ErrorHistory {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, e)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "The code failed %d time(s). Fix it.", max(req.IterationsAttempted, 1))
	return sb.String()
}

func apiKey(envName string) string {
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}
