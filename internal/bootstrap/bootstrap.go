// Package bootstrap wires the process-level dependency graph shared by the
// API server and the Lambda workers: config, logging, the database pool, the
// Stripe client, and the settlement and reconciliation runners.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"screenpact/internal/audit"
	"screenpact/internal/config"
	"screenpact/internal/db"
	"screenpact/internal/external"
	"screenpact/internal/metrics"
	"screenpact/internal/queue"
	"screenpact/internal/reconcile"
	"screenpact/internal/settlement"
	"screenpact/internal/timing"
)

// App is the wired dependency graph. Callers use the pieces they need and
// call Close on shutdown.
type App struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Mode   timing.Mode

	Stripe  *external.StripeClient
	Engine  *settlement.Engine
	Worker  *reconcile.Worker
	Trigger *queue.ReconcileTrigger
	Archive *audit.Archive
	Metrics *metrics.Emitter

	Penalties *db.PenaltyRepo
}

// NewLogger creates the process-wide structured JSON logger.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Build loads configuration and wires the full graph. A config or credential
// failure returns an error before any candidate can be touched.
func Build(ctx context.Context) (*App, error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := NewLogger(cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.Settlement.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading settlement timezone %q: %w", cfg.Settlement.Timezone, err)
	}
	mode := timing.NewMode(cfg.Settlement.CompressedMode, loc)

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	penalties := db.NewPenaltyRepo(pool, logger)
	payments := db.NewPaymentRepo(pool)
	users := db.NewUserRepo(pool)
	usage := db.NewUsageRepo(pool)
	commitments := db.NewCommitmentRepo(pool)

	stripe := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.ChargeTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Pool:      pool,
		Mode:      mode,
		Stripe:    stripe,
		Penalties: penalties,
	}

	// CloudWatch and SQS are best effort: a missing AWS environment degrades
	// observability, not settlement.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Warn("AWS config unavailable, metrics and queue disabled", "error", err)
	} else {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		app.Metrics = metrics.NewEmitter(cw, cfg.AWS.MetricNamespace, logger)

		if cfg.AWS.ReconcileQueueURL != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
			app.Trigger = queue.NewReconcileTrigger(sqsClient, cfg.AWS, logger)
		}
	}

	if cfg.Audit.Enabled {
		archive, err := audit.NewArchive(cfg.Audit.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit archive: %w", err)
		}
		app.Archive = archive
	}

	var emitter settlement.MetricsEmitter
	if app.Metrics != nil {
		emitter = app.Metrics
	}
	var sink settlement.AuditSink
	if app.Archive != nil {
		sink = app.Archive
	}

	builder := settlement.NewBuilder(commitments, users, usage, penalties, mode, logger)
	executor := settlement.NewExecutor(penalties, payments, stripe, cfg.Billing.Currency, logger)
	app.Engine = settlement.NewEngine(builder, executor, mode, cfg.Settlement.WorkerPool, emitter, sink, logger)

	app.Worker = reconcile.NewWorker(
		penalties, commitments, users, payments, stripe,
		cfg.Billing.Currency, cfg.Reconcile.BatchSize,
		emitter, sink, logger,
	)

	return app, nil
}

// Close releases the pool and flushes the audit archive.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return firstErr
}
