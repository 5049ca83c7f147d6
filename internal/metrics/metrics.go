// Package metrics emits run-level telemetry to AWS CloudWatch. Emission is
// best effort: a metrics failure is logged and never propagated into the
// settlement or reconciliation path.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"screenpact/internal/settlement"
	"screenpact/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Dimension names.
const dimOutcome = "Outcome"

// metricNames maps a run kind to its outcome and duration metric names.
// Unknown run kinds fall back to generic names rather than dropping data.
func metricNames(run string) (outcome, duration string) {
	switch run {
	case "settlement":
		return "SettlementOutcome", "SettlementRunDuration"
	case "reconciliation":
		return "ReconciliationOutcome", "ReconciliationRunDuration"
	}
	return "RunOutcome", "RunDuration"
}

// Compile-time assertion that Emitter satisfies the engine's emitter contract.
var _ settlement.MetricsEmitter = (*Emitter)(nil)

// Emitter publishes per-outcome counts and run durations under a single
// namespace, dimensioned by run kind ("settlement" or "reconciliation").
type Emitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewEmitter creates an Emitter publishing to the given CloudWatch namespace.
func NewEmitter(client CloudWatchClient, namespace string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// EmitOutcomes publishes one outcome-count datum per outcome kind observed
// in a run. Kinds with zero count are not emitted.
func (e *Emitter) EmitOutcomes(ctx context.Context, run string, outcomes map[types.OutcomeKind]int) {
	outcomeMetric, _ := metricNames(run)
	var data []cwtypes.MetricDatum
	for kind, count := range outcomes {
		if count == 0 {
			continue
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(outcomeMetric),
			Value:      aws.Float64(float64(count)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimOutcome), Value: aws.String(string(kind))},
			},
		})
	}
	if len(data) == 0 {
		return
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: data,
	}
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.WarnContext(ctx, "failed to emit outcome metrics",
			slog.String("run", run),
			slog.Any("error", err),
		)
	}
}

// EmitRunDuration publishes the wall-clock duration of one run in milliseconds.
func (e *Emitter) EmitRunDuration(ctx context.Context, run string, d time.Duration) {
	_, durationMetric := metricNames(run)
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(durationMetric),
				Value:      aws.Float64(float64(d.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.WarnContext(ctx, "failed to emit run duration metric",
			slog.String("run", run),
			slog.Int64("duration_ms", d.Milliseconds()),
			slog.Any("error", err),
		)
	}
}
