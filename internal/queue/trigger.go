// Package queue provides the SQS producer that enqueues reconciliation work
// when a late usage sync lands for an already-settled week.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"screenpact/internal/config"
	"screenpact/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcileTrigger enqueues ReconcileTriggerMessage payloads for the
// reconcile worker. The message only carries identifiers; the worker
// re-reads the flagged row before acting so a stale delta is never applied.
type ReconcileTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReconcileTrigger creates a trigger reading its queue URL from AWSConfig.
func NewReconcileTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ReconcileTrigger {
	return &ReconcileTrigger{
		client:   client,
		queueURL: awsCfg.ReconcileQueueURL,
		logger:   logger,
	}
}

// Enqueue serializes the message and dispatches it to the reconcile queue.
// reason is attached as a message attribute for queue-side observability.
func (t *ReconcileTrigger) Enqueue(ctx context.Context, msg types.ReconcileTriggerMessage, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReconcileTriggerMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(uuid.NewString()),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ReconcileTriggerMessage to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "reconcile trigger sent",
		"queue_url", t.queueURL,
		"user_id", msg.UserID,
		"week_key", msg.WeekKey,
		"delta_cents", msg.DeltaCents,
		"reason", reason,
	)

	return nil
}
