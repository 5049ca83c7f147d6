// Package handlers contains the HTTP handler implementations for the
// settlement trigger API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"screenpact/internal/core"
	"screenpact/internal/settlement"
	"screenpact/internal/types"
)

// SettlementRunner executes one settlement run. Satisfied by
// *settlement.Engine; substituted in tests.
type SettlementRunner interface {
	Run(ctx context.Context, p settlement.Params) (*types.RunSummary, error)
}

// SettlementHandler exposes POST /v1/settlement/run.
type SettlementHandler struct {
	engine SettlementRunner
	logger *slog.Logger
}

// NewSettlementHandler creates a settlement trigger handler.
func NewSettlementHandler(engine SettlementRunner, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the handler's routes on the given router.
func (h *SettlementHandler) RegisterRoutes(r chi.Router) {
	r.Post("/settlement/run", h.HandleRun)
}

// settlementRunRequest is the body of POST /v1/settlement/run.
// Week is the legacy alias for TargetWeek and answers with a deprecation
// warning in the response meta.
type settlementRunRequest struct {
	TargetWeek string `json:"targetWeek"`
	Week       string `json:"week"`
	Limit      int    `json:"limit"`
	UserID     string `json:"userId"`
	DryRun     bool   `json:"dryRun"`
}

// HandleRun triggers a settlement run and responds with its RunSummary.
func (h *SettlementHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req settlementRunRequest
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

	weekKey := req.TargetWeek
	var meta *core.ResponseMeta
	if weekKey == "" && req.Week != "" {
		weekKey = req.Week
		meta = &core.ResponseMeta{
			Warnings: []string{"field 'week' is deprecated, use 'targetWeek'"},
		}
	}

	h.logger.InfoContext(r.Context(), "settlement run triggered",
		slog.String("week_key", weekKey),
		slog.String("user_id", req.UserID),
		slog.Bool("dry_run", req.DryRun),
		slog.String("trigger_source", string(types.GetTriggerSource(r.Context()))),
	)

	summary, err := h.engine.Run(r.Context(), settlement.Params{
		WeekKey: weekKey,
		UserID:  req.UserID,
		Limit:   req.Limit,
		DryRun:  req.DryRun,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary, Meta: meta})
}
