// Package main is the entrypoint for the reconciliation Lambda.
//
// The usage-ingestion path enqueues a trigger message whenever a late sync
// flags a settled week. The message only announces that work exists; the
// worker re-reads the flagged rows from the database, so a duplicate or
// stale message is harmless.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"screenpact/internal/bootstrap"
	"screenpact/internal/reconcile"
	"screenpact/internal/types"
)

func main() {
	app, err := bootstrap.Build(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	h := &handler{app: app}
	lambda.Start(h.handle)
}

type handler struct {
	app *bootstrap.App
}

// handle logs the triggering messages and drains one reconciliation batch.
// Malformed messages are logged and dropped rather than returned to the
// queue, since the batch reads its own work list.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) error {
	logger := h.app.Logger

	for _, record := range event.Records {
		var msg types.ReconcileTriggerMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			logger.WarnContext(ctx, "dropping malformed reconcile trigger",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}
		logger.InfoContext(ctx, "reconcile trigger received",
			"message_id", record.MessageId,
			"user_id", msg.UserID,
			"week_key", msg.WeekKey,
			"delta_cents", msg.DeltaCents,
			"reason", msg.Reason,
		)
	}

	summary, err := h.app.Worker.Run(ctx, reconcile.Params{
		Limit: h.app.Cfg.Reconcile.BatchSize,
	})
	if err != nil {
		logger.ErrorContext(ctx, "reconciliation run failed", "error", err)
		return err
	}

	logger.InfoContext(ctx, "reconciliation batch finished",
		"processed", summary.Processed,
		"refunded", summary.Refunded,
		"charged", summary.Charged,
		"failed", summary.Failed,
	)
	return nil
}
