// Command stewardd runs the orchestration service: the HTTP API, the
// worker pool, the maintenance scheduler and, when configured, a Kafka
// event consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/steward"
	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/archive"
	"github.com/petrijr/steward/internal/config"
	"github.com/petrijr/steward/internal/httpapi"
	"github.com/petrijr/steward/internal/ingress/kafkasource"
	"github.com/petrijr/steward/pkg/api"
	"github.com/petrijr/steward/pkg/telemetry"
	"github.com/petrijr/steward/pkg/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "stewardd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("stewardd", pflag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file read before the environment")
	defsPath := fs.String("definitions", "", "workflow definitions file (overrides STEWARD_DEFINITIONS)")
	checkOnly := fs.Bool("check", false, "validate configuration and definitions, then exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *defsPath != "" {
		cfg.Definitions = *defsPath
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	defs, err := config.LoadDefinitions(cfg.Definitions)
	if err != nil {
		return err
	}
	rules, err := defs.RoutingRules()
	if err != nil {
		return err
	}
	if *checkOnly {
		logger.Info("configuration ok",
			slog.Int("workflows", len(defs.Workflows)),
			slog.Int("rules", len(rules)),
		)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	bcfg := steward.BundleConfig{
		Workflows: defs.WorkflowDefinitions(),
		Rules:     rules,
		Schedule:  defs.ScheduleEntries(),
		Worker: worker.Config{
			Concurrency:       cfg.Worker.Concurrency,
			PollInterval:      cfg.Worker.PollInterval,
			ActionTimeout:     cfg.Worker.ActionTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		},
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		ApprovalTTL:       cfg.Approval.TTL,
		RateLimits:        cfg.RateLimits(),
		Retention:         cfg.Maintenance.Retention,
		PurgeBatch:        cfg.Maintenance.PurgeBatch,
		IdempotencyTTL:    cfg.Worker.IdempotencyTTL,
		Observer:          api.NewLoggingObserver(logger),
		Logger:            logger,
	}
	if cfg.Worker.Idempotency == "redis" {
		bcfg.Idempotency = action.NewRedisIdempotencyStore(backends.redis, cfg.Queue.Prefix+":idem", cfg.Worker.IdempotencyTTL)
	}

	var provider *telemetry.Provider
	if cfg.Telemetry.Enabled {
		provider = telemetry.Setup(cfg.Telemetry.ServiceName)
		defer func() {
			if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
		bcfg.Observer = api.NewCompositeObserver(bcfg.Observer, telemetry.NewObserver())
		bcfg.WrapExecutor = func(next worker.Executor) worker.Executor {
			return telemetry.TracingExecutor(next)
		}
	}

	if cfg.ArchiveEnabled() {
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		bcfg.Archiver = archive.NewS3Archiver(client, cfg.S3.Bucket, cfg.S3.Prefix)
	}

	bundle, err := steward.NewBundle(backends.store, backends.queue, bcfg)
	if err != nil {
		return err
	}
	// Connectors live outside this service; until one is bound, domain
	// actions only log what they would do.
	if err := steward.RegisterDryRun(bundle.Actions, logger); err != nil {
		return err
	}

	apiServer, err := httpapi.New(httpapi.Config{
		Ingress:      bundle.Ingress,
		Approvals:    bundle.Gate,
		Executions:   bundle.Engine,
		Metrics:      metricsFunc(bundle, provider),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		return apiServer.Serve(ctx, srv, cfg.HTTP.ShutdownTimeout)
	})
	g.Go(func() error { return bundle.Worker.Run(ctx) })
	if cfg.Maintenance.Scheduler {
		g.Go(func() error { return bundle.Scheduler.Run(ctx) })
	}
	if cfg.KafkaEnabled() {
		kcfg := kafkasource.Config{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       cfg.Kafka.GroupID,
			Topic:         cfg.Kafka.Topic,
			CommitTimeout: cfg.Kafka.CommitTimeout,
			Logger:        logger,
		}
		src := kafkasource.New(kafkasource.NewReader(kcfg), bundle.Ingress, kcfg)
		defer src.Close()
		g.Go(func() error { return src.Run(ctx) })
	}

	logger.Info("stewardd started",
		slog.String("store", cfg.Store.Driver),
		slog.String("queue", cfg.Queue.Backend),
		slog.Int("workflows", len(defs.Workflows)),
		slog.Bool("kafka", cfg.KafkaEnabled()),
		slog.Bool("archive", cfg.ArchiveEnabled()),
	)
	err = g.Wait()
	logger.Info("stewardd stopped")
	return err
}

func metricsFunc(b *steward.Bundle, p *telemetry.Provider) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		out := map[string]any{"basic": b.Metrics.Snapshot()}
		if p != nil {
			points, err := p.Snapshot(ctx)
			if err != nil {
				return nil, err
			}
			out["otel"] = points
		}
		return out, nil
	}
}
