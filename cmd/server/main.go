package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/commerce-core/internal/adapter/handler"
	"github.com/rl1809/commerce-core/internal/adapter/notify"
	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/config"
	"github.com/rl1809/commerce-core/internal/core/service"
	"github.com/rl1809/commerce-core/internal/core/workflow"
	"github.com/rl1809/commerce-core/internal/observability"
	"github.com/rl1809/commerce-core/internal/port"
)

// backends holds the persistence adapters chosen by STORE_DRIVER.
type backends struct {
	store       port.Store
	alerts      port.AlertRepository
	idempotency port.IdempotencyStore
	dedup       port.AlertDeduper
	ready       []func(r *http.Request) error
	close       func()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}

	var notifier port.Notifier = notify.NewLogNotifier(logger)
	var kafkaNotifier *notify.KafkaNotifier
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier = notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifier = kafkaNotifier
		logger.Info("publishing notifications to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}

	dispatcher := service.NewDispatcher(notifier, cfg.WorkerCount, cfg.QueueSize, logger.Named("dispatcher"))
	logger.Info("started dispatcher", zap.Int("workers", cfg.WorkerCount), zap.Int("queue_size", cfg.QueueSize))

	pricing := service.PricingPolicy{
		TaxRate:               cfg.TaxRate,
		FlatShipping:          cfg.FlatShipping,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		DiscountRate:          cfg.DiscountRate,
	}
	ledger := service.NewLedgerService(b.store, b.alerts, b.dedup, dispatcher, logger.Named("ledger"))
	ledger.SetMaxAttempts(cfg.MaxAttempts)
	orders := service.NewOrderService(b.store, ledger, b.idempotency, dispatcher, pricing, logger.Named("orders"))
	orders.SetMaxAttempts(cfg.MaxAttempts)

	defs, err := workflowDefinitions(cfg.WorkflowDir)
	if err != nil {
		logger.Fatal("failed to load workflow definitions", zap.Error(err))
	}
	engine, err := workflow.New(b.store, dispatcher, logger.Named("workflow"),
		workflow.WithDefinitions(defs...),
		workflow.WithMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		logger.Fatal("failed to build workflow engine", zap.Error(err))
	}
	service.RegisterOrderWorkflowActions(engine, orders)
	logger.Info("loaded workflow definitions", zap.Int("count", len(defs)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunTimeoutSweeper(ctx, cfg.TimeoutSweepInterval)
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(logger.Named("grpc"))))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orders))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP
	httpHandler := handler.NewHTTPHandler(orders, ledger, engine, logger.Named("http"))
	for _, check := range b.ready {
		httpHandler.AddReadinessCheck(check)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	logger.Info("timeout sweeper stopped")

	dispatcher.Close()
	logger.Info("dispatcher drained")

	if kafkaNotifier != nil {
		if err := kafkaNotifier.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	b.close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("shutdown tracing", zap.Error(err))
	}
	logger.Info("connections closed")
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		store := storage.NewMemoryStore()
		cache := storage.NewMemoryCache()
		return &backends{store: store, alerts: store, idempotency: cache, dedup: cache, close: func() {}}, nil
	}

	db, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if cfg.MigrateOnBoot {
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("schema migrated")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: cfg.RedisPoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("connected to redis")
	redisAdapter := storage.NewRedisAdapter(rdb)

	return &backends{
		store:       mysqlAdapter,
		alerts:      mysqlAdapter,
		idempotency: redisAdapter,
		dedup:       redisAdapter,
		ready: []func(r *http.Request) error{
			func(r *http.Request) error { return mysqlAdapter.Ping(r.Context()) },
			func(r *http.Request) error { return redisAdapter.Ping(r.Context()) },
		},
		close: func() {
			rdb.Close()
			db.Close()
		},
	}, nil
}

// workflowDefinitions returns the built-in definitions, replaced or extended
// by any found in dir.
func workflowDefinitions(dir string) ([]workflow.Definition, error) {
	defs, err := workflow.BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return defs, nil
	}
	overrides, err := workflow.LoadDefinitions(dir)
	if err != nil {
		return nil, err
	}
	return append(defs, overrides...), nil
}
