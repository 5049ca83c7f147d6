// Package main is the entrypoint for the scheduled settlement Lambda.
//
// EventBridge triggers it shortly after each grace period elapses; the
// handler runs one full settlement batch for the current week. Dependency
// wiring happens once at cold start.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"screenpact/internal/bootstrap"
	"screenpact/internal/settlement"
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

// handle runs one settlement batch. A batch-level failure is returned so the
// invocation shows as errored and alarms fire; per-candidate failures are
// inside the summary and do not fail the invocation.
func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) error {
	logger := h.app.Logger
	logger.InfoContext(ctx, "scheduled settlement invoked",
		"event_id", event.ID,
		"event_time", event.Time,
	)

	summary, err := h.app.Engine.Run(ctx, settlement.Params{
		Limit: h.app.Cfg.Settlement.BatchLimit,
	})
	if err != nil {
		logger.ErrorContext(ctx, "settlement run failed", "error", err)
		return err
	}

	logger.InfoContext(ctx, "scheduled settlement finished",
		"week_key", summary.WeekKey,
		"processed", summary.Processed,
		"charged", summary.Charged,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return nil
}
