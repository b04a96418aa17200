package models

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/tlsutil"
)

// Config configures one provider client.
type Config struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64
	Timeout   time.Duration
	// HTTPClient replaces the hardened default client.
	HTTPClient *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return tlsutil.SecureHTTPClient(timeout)
}

func (c Config) maxTokens(p Prompt) int64 {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1024
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
	logger *zap.Logger
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(cfg Config, logger *zap.Logger) *Anthropic {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(cfg.httpClient()),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "model_anthropic")),
	}
}

// Call sends one user turn and returns a Completion.
func (a *Anthropic) Call(ctx context.Context, model string, args ...any) (any, error) {
	p, err := PromptFrom(args)
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.cfg.maxTokens(p),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		a.logger.Warn("anthropic call failed",
			zap.String("model", model), zap.Int("status", status), zap.Error(err))
		return nil, providerError("anthropic", model, status, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return Completion{
		Model:        string(resp.Model),
		Text:         text.String(),
		StopReason:   string(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
