package handlers

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/breaker"
	"github.com/BaSui01/hivemind/models"
	"github.com/BaSui01/hivemind/types"
)

// CircuitService exposes the circuit breaker.
type CircuitService interface {
	Circuits() map[string]breaker.CircuitState
	ResetModel(model string)
	CallModel(ctx context.Context, model string, args ...any) (*breaker.Result, error)
}

// CallModelRequest is the body of POST /api/v1/models/{model}/call.
type CallModelRequest struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"maxTokens,omitempty"`
}

// CircuitHandler serves circuit states and model calls.
type CircuitHandler struct {
	svc    CircuitService
	logger *zap.Logger
}

// NewCircuitHandler creates a circuit handler.
func NewCircuitHandler(svc CircuitService, logger *zap.Logger) *CircuitHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitHandler{svc: svc, logger: logger.With(zap.String("handler", "circuits"))}
}

// HandleList returns every circuit ordered by model.
func (h *CircuitHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	states := h.svc.Circuits()
	out := make([]breaker.CircuitState, 0, len(states))
	for _, s := range states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	WriteSuccess(w, r, http.StatusOK, out)
}

// HandleReset forces a circuit closed.
func (h *CircuitHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	h.svc.ResetModel(model)
	h.logger.Info("circuit reset", zap.String("model", model))
	st, ok := h.svc.Circuits()[model]
	if !ok {
		// never called, so there was nothing to reset
		st = breaker.CircuitState{Model: model, State: breaker.StateClosed}
	}
	WriteSuccess(w, r, http.StatusOK, st)
}

// HandleCall calls a model through the breaker.
func (h *CircuitHandler) HandleCall(w http.ResponseWriter, r *http.Request) {
	var req CallModelRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	if req.Prompt == "" {
		WriteError(w, r, types.NewValidationError("prompt is required"), ErrorRef{}, h.logger)
		return
	}
	res, err := h.svc.CallModel(r.Context(), r.PathValue("model"), models.Prompt{
		System:    req.System,
		User:      req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, res)
}
