package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"screenpact/internal/core"
	"screenpact/internal/reconcile"
	"screenpact/internal/types"
)

// ReconcileRunner executes one reconciliation batch. Satisfied by
// *reconcile.Worker; substituted in tests.
type ReconcileRunner interface {
	Run(ctx context.Context, p reconcile.Params) (*types.RunSummary, error)
}

// ReconciliationHandler exposes POST /v1/reconciliation/run.
type ReconciliationHandler struct {
	worker ReconcileRunner
	logger *slog.Logger
}

// NewReconciliationHandler creates a reconciliation trigger handler.
func NewReconciliationHandler(worker ReconcileRunner, logger *slog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{worker: worker, logger: logger}
}

// RegisterRoutes mounts the handler's routes on the given router.
func (h *ReconciliationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/reconciliation/run", h.HandleRun)
}

type reconciliationRunRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dryRun"`
}

// HandleRun triggers a reconciliation batch and responds with its RunSummary.
func (h *ReconciliationHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req reconciliationRunRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	if req.Limit < 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidLimit, "limit must not be negative", nil))
		return
	}

	h.logger.InfoContext(r.Context(), "reconciliation run triggered",
		slog.Int("limit", req.Limit),
		slog.Bool("dry_run", req.DryRun),
		slog.String("trigger_source", string(types.GetTriggerSource(r.Context()))),
	)

	summary, err := h.worker.Run(r.Context(), reconcile.Params{
		Limit:  req.Limit,
		DryRun: req.DryRun,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}
