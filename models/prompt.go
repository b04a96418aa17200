package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/hivemind/types"
)

// Prompt is the argument accepted by every adapter.
type Prompt struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
	// MaxTokens overrides the adapter default when positive.
	MaxTokens int64 `json:"maxTokens,omitempty"`
}

// Completion is the value every adapter returns.
type Completion struct {
	Model        string `json:"model"`
	Text         string `json:"text"`
	StopReason   string `json:"stopReason,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// PromptFrom extracts the prompt from CallModel arguments.
func PromptFrom(args []any) (Prompt, error) {
	if len(args) == 0 {
		return Prompt{}, types.NewValidationError("model call needs a prompt argument")
	}
	var p Prompt
	switch v := args[0].(type) {
	case Prompt:
		p = v
	case *Prompt:
		if v == nil {
			return Prompt{}, types.NewValidationError("prompt is nil")
		}
		p = *v
	case string:
		p = Prompt{User: v}
	case fmt.Stringer:
		p = Prompt{User: v.String()}
	default:
		return Prompt{}, types.NewValidationError("unsupported prompt argument %T", args[0])
	}
	if p.User == "" {
		return Prompt{}, types.NewValidationError("prompt text is required")
	}
	return p, nil
}

// providerError maps an SDK failure to a types.Error. status is the HTTP
// status of the API response, or 0 when no response arrived.
func providerError(provider, model string, status int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("%s model %s timed out", provider, model).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := fmt.Sprintf("%s model %s failed", provider, model)
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg+": rate limited").
			WithCause(err).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrServiceUnavailable, msg).
			WithCause(err).WithRetryable(true)
	case status == http.StatusNotFound:
		return types.NewNotFoundError("model", model).WithCause(err)
	case status >= 400:
		return types.NewError(types.ErrValidation, msg).
			WithCause(err).WithHTTPStatus(http.StatusBadGateway)
	default:
		return types.NewError(types.ErrServiceUnavailable, msg).
			WithCause(err).WithRetryable(true)
	}
}
