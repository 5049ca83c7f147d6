package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"screenpact/internal/core"
	"screenpact/internal/reconcile"
	"screenpact/internal/settlement"
	"screenpact/internal/types"
)

// maxWebhookBodySize bounds a Stripe webhook payload (64 KB). Stripe events
// are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier validates a Stripe webhook payload against its signature
// header. Satisfied by *external.StripeVerifier.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// PenaltyFlagger marks a settled penalty row for reconciliation. Satisfied by
// *db.PenaltyRepo.
type PenaltyFlagger interface {
	FlagForReconciliation(ctx context.Context, userID, weekKey string, deltaCents int64, reason string, detectedAt time.Time) error
}

// TriggerEnqueuer dispatches a reconcile trigger message. Satisfied by
// *queue.ReconcileTrigger.
type TriggerEnqueuer interface {
	Enqueue(ctx context.Context, msg types.ReconcileTriggerMessage, reason string) error
}

// StripeWebhookHandler records processor-side refund and payment-failure
// events in the audit trail, and routes out-of-band refunds (issued from the
// Stripe dashboard, outside this service) into the reconciliation queue. It is
// not behind trigger-key auth; security comes from the Stripe-Signature HMAC
// check.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	secret   string
	audit    settlement.AuditSink
	flagger  PenaltyFlagger
	trigger  TriggerEnqueuer
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates the webhook handler. audit, flagger, and
// trigger may each be nil; nil disables the corresponding side effect.
func NewStripeWebhookHandler(verifier WebhookVerifier, secret string, audit settlement.AuditSink, flagger PenaltyFlagger, trigger TriggerEnqueuer, logger *slog.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		verifier: verifier,
		secret:   secret,
		audit:    audit,
		flagger:  flagger,
		trigger:  trigger,
		logger:   logger,
	}
}

// RegisterRoutes mounts the handler's routes on the given router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.HandleEvent)
}

// stripeEvent is the subset of the Stripe event envelope this handler reads.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			Amount         int64  `json:"amount"`
			AmountRefunded int64  `json:"amount_refunded"`
			Metadata       struct {
				UserID  string `json:"user_id"`
				WeekKey string `json:"week_key"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// HandleEvent verifies the signature and records refund and payment-failure
// events. Unhandled event types are acknowledged with 200 so Stripe stops
// retrying them.
func (h *StripeWebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read webhook body", err))
		return
	}
	if len(payload) > maxWebhookBodySize {
		core.Error(w, r, types.NewAppError(errCodeWebhookPayloadTooLarge, "webhook payload exceeds 64KB", nil))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := h.verifier.Verify(payload, sig, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		core.Error(w, r, types.NewAppError(errCodeWebhookBadSignature, "invalid webhook signature", err))
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(errCodeWebhookMalformedEvent, "malformed webhook event", err))
		return
	}

	switch event.Type {
	case "charge.refunded":
		h.record(r, event, types.OutcomeRefundIssued, event.Data.Object.AmountRefunded)
		h.flagExternalRefund(r, event)
	case "payment_intent.payment_failed":
		h.record(r, event, types.OutcomeChargeFailed, event.Data.Object.Amount)
	default:
		h.logger.InfoContext(r.Context(), "webhook event ignored",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"received": event.ID}})
}

func (h *StripeWebhookHandler) record(r *http.Request, event stripeEvent, outcome types.OutcomeKind, amount int64) {
	h.logger.InfoContext(r.Context(), "webhook event recorded",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("user_id", event.Data.Object.Metadata.UserID),
		slog.String("week_key", event.Data.Object.Metadata.WeekKey),
		slog.Int64("amount_cents", amount),
	)
	if h.audit == nil {
		return
	}
	rec := types.OutcomeRecord{
		Run:         "webhook",
		WeekKey:     event.Data.Object.Metadata.WeekKey,
		UserID:      event.Data.Object.Metadata.UserID,
		Outcome:     outcome,
		Reason:      event.Type,
		AmountCents: amount,
		TxnID:       event.Data.Object.ID,
		At:          time.Now().UTC(),
	}
	if err := h.audit.Write(r.Context(), rec); err != nil {
		h.logger.WarnContext(r.Context(), "audit record write failed",
			slog.String("event_id", event.ID),
			slog.Any("error", err),
		)
	}
}

// flagExternalRefund marks the settled row for reconciliation when a refund
// was issued outside this service, so the ledger catches up with the
// processor's view. Flagging failures are logged and the event still
// acknowledged; Stripe redelivery would not help a broken write path.
func (h *StripeWebhookHandler) flagExternalRefund(r *http.Request, event stripeEvent) {
	userID := event.Data.Object.Metadata.UserID
	weekKey := event.Data.Object.Metadata.WeekKey
	if h.flagger == nil || userID == "" || weekKey == "" {
		return
	}

	ctx := r.Context()
	detectedAt := time.Now().UTC()
	delta := -event.Data.Object.AmountRefunded
	if err := h.flagger.FlagForReconciliation(ctx, userID, weekKey, delta, reconcile.ReasonExternalRefund, detectedAt); err != nil {
		h.logger.WarnContext(ctx, "failed to flag external refund for reconciliation",
			slog.String("event_id", event.ID),
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.Any("error", err),
		)
		return
	}

	if h.trigger == nil {
		return
	}
	msg := types.ReconcileTriggerMessage{
		UserID:     userID,
		WeekKey:    weekKey,
		DeltaCents: delta,
		Reason:     reconcile.ReasonExternalRefund,
		DetectedAt: detectedAt,
	}
	if err := h.trigger.Enqueue(ctx, msg, reconcile.ReasonExternalRefund); err != nil {
		// The flag is already set; the next scheduled batch picks it up.
		h.logger.WarnContext(ctx, "failed to enqueue reconcile trigger",
			slog.String("event_id", event.ID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// Webhook-specific error codes, local to the API layer.
const (
	errCodeWebhookBadSignature    types.ErrorCode = "auth_webhook_bad_signature"
	errCodeWebhookMalformedEvent  types.ErrorCode = "validation_malformed_webhook_event"
	errCodeWebhookPayloadTooLarge types.ErrorCode = "validation_webhook_payload_too_large"
)
