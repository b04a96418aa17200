package models

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/types"
)

// OpenAI calls a Chat Completions endpoint: OpenAI itself or any
// compatible API such as Gemini's.
type OpenAI struct {
	client   openai.Client
	cfg      Config
	provider string
	logger   *zap.Logger
}

// NewOpenAI creates an adapter for api.openai.com (or cfg.BaseURL).
func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	return newChatCompletions("openai", cfg, logger)
}

// NewGemini creates an adapter for Gemini's OpenAI compatible endpoint.
func NewGemini(cfg Config, logger *zap.Logger) *OpenAI {
	return newChatCompletions("gemini", cfg, logger)
}

func newChatCompletions(provider string, cfg Config, logger *zap.Logger) *OpenAI {
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
	return &OpenAI{
		client:   openai.NewClient(opts...),
		cfg:      cfg,
		provider: provider,
		logger:   logger.With(zap.String("component", "model_"+provider)),
	}
}

// Call sends one user turn and returns a Completion.
func (o *OpenAI) Call(ctx context.Context, model string, args ...any) (any, error) {
	p, err := PromptFrom(args)
	if err != nil {
		return nil, err
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.User))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(o.cfg.maxTokens(p)),
	})
	if err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		o.logger.Warn("chat completion failed",
			zap.String("model", model), zap.Int("status", status), zap.Error(err))
		return nil, providerError(o.provider, model, status, err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrServiceUnavailable, o.provider+" returned no choices")
	}

	choice := resp.Choices[0]
	return Completion{
		Model:        resp.Model,
		Text:         choice.Message.Content,
		StopReason:   choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
