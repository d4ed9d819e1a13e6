package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/archive"
	"github.com/hamed0406/devopsguardian/internal/config"
	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/httpapi"
	"github.com/hamed0406/devopsguardian/internal/hub"
	"github.com/hamed0406/devopsguardian/internal/logging"
	"github.com/hamed0406/devopsguardian/internal/metrics"
	"github.com/hamed0406/devopsguardian/internal/notify"
	"github.com/hamed0406/devopsguardian/internal/probe"
	"github.com/hamed0406/devopsguardian/internal/repo"
	"github.com/hamed0406/devopsguardian/internal/repo/memory"
	"github.com/hamed0406/devopsguardian/internal/repo/postgres"
	"github.com/hamed0406/devopsguardian/internal/repo/sqlite"
	"github.com/hamed0406/devopsguardian/internal/retention"
	"github.com/hamed0406/devopsguardian/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, alerting and query API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger(cfg.Log.Dir, cfg.Log.Level)
		if err != nil {
			log.Fatal(err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func openStore(ctx context.Context, c config.StorageConfig, log *zap.Logger) (repo.Store, error) {
	switch c.Driver {
	case "memory":
		log.Warn("store_memory", zap.String("note", "results are lost on restart"))
		return memory.New(), nil
	case "postgres":
		s, err := postgres.New(ctx, c.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := sqlite.New(ctx, c.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// seedTransactions makes the stored definitions match the config. Valid
// definitions are upserted; stored ones that are no longer configured, or
// whose configured version is invalid, are deleted so their loops stop on
// the next sync.
func seedTransactions(ctx context.Context, store repo.TransactionStore, txs []domain.Transaction, log *zap.Logger) int {
	keep := make(map[domain.TransactionID]bool, len(txs))
	n := 0
	for i := range txs {
		tx := txs[i]
		if err := scheduler.Validate(tx); err != nil {
			log.Error("transaction_config_error", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
			continue
		}
		if err := store.Upsert(ctx, &tx); err != nil {
			log.Error("transaction_upsert_failed", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
			continue
		}
		keep[tx.ID] = true
		n++
	}

	stored, err := store.List(ctx)
	if err != nil {
		log.Error("transaction_list_failed", zap.Error(err))
		return n
	}
	for _, tx := range stored {
		if keep[tx.ID] {
			continue
		}
		if err := store.Delete(ctx, tx.ID); err != nil {
			log.Error("transaction_delete_failed", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
			continue
		}
		log.Info("transaction_removed", zap.String("transaction_id", string(tx.ID)))
	}
	return n
}

// syncFromStore reschedules whatever the store currently defines.
func syncFromStore(ctx context.Context, store repo.TransactionStore, sched *scheduler.Scheduler, log *zap.Logger) {
	txs, err := store.List(ctx)
	if err != nil {
		log.Error("transaction_list_failed", zap.Error(err))
		return
	}
	if err := sched.Sync(txs); err != nil {
		log.Warn("transaction_sync_partial", zap.Error(err))
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store_close", zap.Error(err))
		}
	}()
	logger.Info("store_open", zap.String("driver", cfg.Storage.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	seeded := seedTransactions(ctx, store, cfg.TransactionList(), logger)
	logger.Info("transactions_seeded", zap.Int("count", seeded), zap.Int("configured", len(cfg.Transactions)))

	// the hub outlives ctx so events raised while draining still reach it
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	var live *hub.Hub
	var extra []notify.Notifier
	if cfg.Notify.WebSocket {
		live = hub.New(cfg.API.AllowedOrigins, logger)
		go live.Run(hubCtx)
		extra = append(extra, live)
	}
	sinks := notify.Build(cfg.Capabilities(), logger, extra...)
	dispatcher := notify.NewDispatcher(sinks, logger, cfg.Notify.QueueSize)

	evaluator := scheduler.NewEvaluator(logger, store, dispatcher, cfg.Monitoring.DownThreshold)
	if err := evaluator.Load(ctx); err != nil {
		return fmt.Errorf("load alert state: %w", err)
	}

	runner := probe.NewRetryChecker(probe.NewExecutor(probe.NewHTTPChecker(0), probe.NewDNSChecker()), logger)
	health := &scheduler.SystemHealth{}
	sched := scheduler.New(logger, runner, store, evaluator, health, scheduler.Options{
		MaxConcurrent: cfg.Monitoring.MaxConcurrent,
		WriteRetries:  cfg.Storage.WriteRetries,
		WriteBackoff:  cfg.Storage.WriteBackoff,
	})
	syncFromStore(ctx, store, sched, logger)

	var archiver retention.Archiver
	if cfg.Archive.Enabled {
		s3, err := archive.NewS3(cfg.Archive.S3(), logger)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = s3
	}
	pruner := retention.New(logger, store, cfg.Retention(), archiver)
	if err := pruner.Start(cfg.Monitoring.PruneSchedule); err != nil {
		return err
	}

	api := httpapi.NewServer(logger, sched, store, evaluator, health)
	api.Definitions = store
	api.Metrics = promhttp.Handler()
	api.AllowedOrigins = cfg.API.AllowedOrigins
	if live != nil {
		api.Live = live.HandleConnect
	}
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	every := cfg.Monitoring.RefreshInterval
	if every <= 0 {
		every = time.Minute
	}
	refresh := time.NewTicker(every)
	defer refresh.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown_requested")
			break loop
		case err, ok := <-srvErr:
			if ok {
				runErr = fmt.Errorf("api: %w", err)
			}
			break loop
		case <-refresh.C:
			syncFromStore(ctx, store, sched, logger)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitoring.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown", zap.Error(err))
	}
	sched.Shutdown(cfg.Monitoring.ShutdownGrace)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher_close", zap.Error(err))
	}
	if err := sinks.Close(); err != nil {
		logger.Warn("notify_close", zap.Error(err))
	}
	stopHub()
	pruner.Stop()
	logger.Info("shutdown_complete")
	return runErr
}
