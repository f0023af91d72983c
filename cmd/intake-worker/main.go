package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registration"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/idgen"
	"github.com/ehr/intake/internal/platform/kafka"
	"github.com/ehr/intake/internal/platform/opsserver"
	"github.com/ehr/intake/internal/platform/redis"
	"github.com/ehr/intake/internal/platform/tracing"
	"github.com/ehr/intake/migrations"
)

const serviceName = "intake-worker"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Registration queue worker",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the registration queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.TracingEnabled {
		var exporter sdktrace.SpanExporter
		if cfg.TracingEndpoint != "" {
			exporter, err = tracing.NewOTLPExporter(ctx, cfg.TracingEndpoint, cfg.TracingInsecure)
			if err != nil {
				return fmt.Errorf("create trace exporter: %w", err)
			}
		}
		shutdown := tracing.Setup(serviceName, exporter)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown")
			}
		}()
	}

	// Redis: per temporary id lock and the dead letter stream
	rc, err := redis.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer rc.Close()
	locker := redis.NewLocker(rc, "", cfg.LockTTL, cfg.LockWait)
	dlq := redis.NewDeadLetterQueue(rc, cfg.DLQStream)

	dispatcher, err := newDispatcher(cfg, registry.NewStore(pool), locker, logger)
	if err != nil {
		return err
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaTopic,
		ConsumerGroup: cfg.KafkaGroup,
		MaxAttempts:   cfg.RetryMaxAttempts,
		Backoff:       cfg.RetryBackoff,
	}, dispatcher, dlq, logger)
	defer consumer.Close()

	ops := opsserver.New(cfg.OpsAddr, pool, func() *db.PoolStats { return db.GetPoolStats(pool) }, consumer.Ready, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return ops.Run(gctx) })

	logger.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopic).
		Str("ops_addr", cfg.OpsAddr).
		Str("tracing_endpoint", cfg.TracingEndpoint).
		Msg("worker started")

	err = g.Wait()
	logger.Info().Msg("worker stopped")
	return err
}

func newDispatcher(cfg *config.Config, reg registry.Registry, locker registration.Locker, logger zerolog.Logger) (*queue.Dispatcher, error) {
	opts := []idgen.Option{
		idgen.WithTimeout(cfg.IdgenTimeout),
		idgen.WithMaxRetries(cfg.IdgenMaxRetries),
		idgen.WithLogger(logger),
	}
	if cfg.IdgenSigningKey != "" {
		opts = append(opts, idgen.WithSigningKey(cfg.IdgenSigningKey))
	}
	issuer := idgen.NewClient(cfg.IdgenURL, opts...)

	h, err := registration.NewHandler(reg, issuer, locker, logger, registration.Options{
		PrimaryIdentifierType: cfg.PrimaryIdentifierType,
		MatchThreshold:        cfg.MatchThreshold,
		RejectDuplicates:      cfg.RejectDuplicates,
	})
	if err != nil {
		return nil, err
	}
	return queue.NewDispatcher(h)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS, schema)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default search_path when empty)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default search_path when empty)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// errNotClean is returned by process when the outcome has any problem.
var errNotClean = errors.New("event did not process cleanly")

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one queued event from a file and print its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			ev, err := readEvent(file)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateCore(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			dispatcher, err := newDispatcher(cfg, registry.NewStore(pool), nil, logger)
			if err != nil {
				return err
			}

			out := dispatcher.Dispatch(ctx, ev)
			if err := writeOutcome(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Succeeded() {
				return errNotClean
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a JSON event envelope")
	return cmd
}

func readEvent(path string) (*queue.Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return queue.DecodeEvent(raw)
}

func writeOutcome(w io.Writer, out *queue.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect parked events",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the most recently parked events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt64("count")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			rc, err := redis.NewClient(ctx, cfg.RedisURL, logger)
			if err != nil {
				return err
			}
			defer rc.Close()

			dlq := redis.NewDeadLetterQueue(rc, cfg.DLQStream)
			total, err := dlq.Count(ctx)
			if err != nil {
				return err
			}
			entries, err := dlq.List(ctx, count)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Total   int64              `json:"total"`
				Entries []queue.DeadLetter `json:"entries"`
			}{total, entries})
		},
	}
	listCmd.Flags().Int64("count", 20, "Number of entries to show")
	cmd.AddCommand(listCmd)

	return cmd
}
