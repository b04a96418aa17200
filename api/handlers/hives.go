package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/federation"
)

// HiveService exposes the federation registry.
type HiveService interface {
	HiveID() string
	Hives() []federation.Hive
	DiscoverHives(ctx context.Context) ([]federation.Hive, error)
}

// HiveList is the body of the hive endpoints.
type HiveList struct {
	HiveID string            `json:"hiveId"`
	Hives  []federation.Hive `json:"hives"`
}

// HiveHandler serves the federation endpoints.
type HiveHandler struct {
	svc    HiveService
	logger *zap.Logger
}

// NewHiveHandler creates a hive handler.
func NewHiveHandler(svc HiveService, logger *zap.Logger) *HiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HiveHandler{svc: svc, logger: logger.With(zap.String("handler", "hives"))}
}

func (h *HiveHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, http.StatusOK, HiveList{HiveID: h.svc.HiveID(), Hives: h.svc.Hives()})
}

// HandleDiscover asks peers to announce themselves and returns the refreshed
// registry.
func (h *HiveHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	hives, err := h.svc.DiscoverHives(r.Context())
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, HiveList{HiveID: h.svc.HiveID(), Hives: hives})
}
