package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/miner"
	"github.com/BaSui01/hivemind/types"
)

// BugService records and queries failure reports.
type BugService interface {
	DetectBug(ctx context.Context, r miner.Report) (miner.Bug, error)
	MarkBugFixed(ctx context.Context, id, by string) (miner.Bug, error)
	MarkFalsePositive(ctx context.Context, id string) (miner.Bug, error)
	Bug(id string) (miner.Bug, error)
	Bugs(f miner.Filter) []miner.Bug
	Patterns() []miner.Pattern
	BugStats() miner.Stats
}

// FixBugRequest is the body of POST /api/v1/bugs/{id}/fix.
type FixBugRequest struct {
	AssignedTo string `json:"assignedTo"`
}

// BugHandler serves the pattern miner endpoints.
type BugHandler struct {
	svc    BugService
	logger *zap.Logger
}

// NewBugHandler creates a bug handler.
func NewBugHandler(svc BugService, logger *zap.Logger) *BugHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BugHandler{svc: svc, logger: logger.With(zap.String("handler", "bugs"))}
}

// HandleSubmit records a report and answers with the stored bug.
func (h *BugHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var report miner.Report
	if err := DecodeJSONBody(w, r, &report); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	bug, err := h.svc.DetectBug(r.Context(), report)
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, bug)
}

// HandleList filters by the severity, type and status query parameters.
func (h *BugHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := miner.Filter{
		Type:   q.Get("type"),
		Status: miner.Status(q.Get("status")),
	}
	if s := q.Get("severity"); s != "" {
		sev, err := miner.ParseSeverity(s)
		if err != nil {
			WriteError(w, r, err, ErrorRef{}, h.logger)
			return
		}
		f.Severity = sev
	}
	switch f.Status {
	case "", miner.StatusNew, miner.StatusFixed:
	default:
		WriteError(w, r, types.NewValidationError("unknown status %q", f.Status), ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, h.svc.Bugs(f))
}

func (h *BugHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bug, err := h.svc.Bug(id)
	if err != nil {
		WriteError(w, r, err, ErrorRef{BugID: id}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, bug)
}

func (h *BugHandler) HandleFix(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req FixBugRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{BugID: id}, h.logger)
		return
	}
	bug, err := h.svc.MarkBugFixed(r.Context(), id, req.AssignedTo)
	if err != nil {
		WriteError(w, r, err, ErrorRef{BugID: id}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, bug)
}

func (h *BugHandler) HandleFalsePositive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bug, err := h.svc.MarkFalsePositive(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, ErrorRef{BugID: id}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, bug)
}

func (h *BugHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, http.StatusOK, h.svc.BugStats())
}

func (h *BugHandler) HandlePatterns(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, http.StatusOK, h.svc.Patterns())
}
