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
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/cash"
	"github.com/odyssey-erp/odyssey-ledger/internal/delivery"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

const usage = `usage: odyssey [serve | migrate | reconcile [product|account] | queue]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "reconcile":
		kind := ""
		if len(os.Args) > 2 {
			kind = os.Args[2]
		}
		err = triggerReconcile(ctx, cfg, logger, kind)
	case "queue":
		err = inspectQueue(ctx, cfg, logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func triggerReconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, kind string) error {
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	info, err := c.TriggerReconcile(ctx, kind)
	if err != nil {
		return err
	}
	logger.Info("reconcile enqueued", slog.String("task_id", info.ID), slog.String("queue", info.Queue))
	return nil
}

func inspectQueue(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		return err
	}
	logger.Info("queue",
		slog.String("queue", stats.Queue),
		slog.Int("pending", stats.Pending),
		slog.Int("active", stats.Active),
		slog.Int("scheduled", stats.Scheduled),
		slog.Int("retry", stats.Retry),
	)
	return nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.PGMigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	router := buildRouter(cfg, logger, pool, metrics, jobs.NewHandler(inspector, jobClient, logger))

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func buildRouter(cfg *app.Config, logger *slog.Logger, pool *pgxpool.Pool, metrics *observability.Metrics, jobHandler *jobs.Handler) http.Handler {
	txm := db.NewTxManager(pool, db.WithRetryHook(metrics.ConflictRetry))
	auditLogger := shared.NewAuditLogger(func(ctx context.Context) shared.Execer { return txm.Conn(ctx) })

	ledgerService := ledger.NewService(ledger.NewRepository(txm), ledger.ServiceConfig{
		Logger:   logger,
		Metrics:  metrics,
		PageSize: cfg.LedgerQueryPageSize,
	})
	inventoryService := inventory.NewService(ledgerService, auditLogger, logger)
	cashService := cash.NewService(ledgerService, auditLogger, logger)
	partnerService := partner.NewService(partner.NewRepository(txm), ledgerService, auditLogger, logger)
	procurementService := procurement.NewService(procurement.NewRepository(txm), inventoryService, partnerService, auditLogger, logger)
	deliveryService := delivery.NewService(delivery.NewRepository(txm), delivery.NewInventoryAdapter(inventoryService), auditLogger, logger)
	salesService := sales.NewService(sales.NewRepository(txm), partnerService, auditLogger, logger)

	return app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		CashHandler:        cash.NewHandler(logger, cashService),
		PartnerHandler:     partner.NewHandler(logger, partnerService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		DeliveryHandler:    delivery.NewHandler(logger, deliveryService),
		SalesHandler:       sales.NewHandler(logger, salesService),
		JobHandler:         jobHandler,
	})
}
