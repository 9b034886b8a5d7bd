package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"offramp/internal/balance"
	"offramp/internal/clock"
	"offramp/internal/config"
	"offramp/internal/dlq"
	"offramp/internal/events"
	"offramp/internal/idempotency"
	"offramp/internal/ledger"
	"offramp/internal/ledger/postgres"
	"offramp/internal/metrics"
	"offramp/internal/offramp"
	"offramp/internal/payout"
	"offramp/internal/reconcile"
	"offramp/internal/server"
	"offramp/internal/txid"
	"offramp/migrations"
)

// payoutClient is what both the Daraja and the sandbox clients provide.
type payoutClient interface {
	offramp.PayoutProvider
	reconcile.StatusQuerier
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	clk := clock.NewSystem()
	reg := metrics.New()

	oracle, err := balance.NewEthOracle(ctx, cfg.Chains, logger)
	if err != nil {
		logger.Fatal("balance oracle", zap.Error(err))
	}
	defer oracle.Close()

	var pool *pgxpool.Pool
	if cfg.Storage.DatabaseURL != "" {
		pool, err = openPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
	}

	var store ledger.Store = ledger.NewMemoryStore(clk)
	ledgerCheck := server.HealthCheck{Name: "ledger", Backend: "memory"}
	if pool != nil {
		store = postgres.NewStore(pool, clk)
		ledgerCheck = server.HealthCheck{Name: "ledger", Backend: "postgres", Ping: pool.Ping}
	} else {
		logger.Warn("DATABASE_URL not set; ledger is in-memory and will not survive a restart")
	}

	idem, closeIdem, err := newIdempotencyStore(cfg, pool, clk)
	if err != nil {
		logger.Fatal("idempotency store", zap.Error(err))
	}
	defer closeIdem()

	payouts, err := newPayoutClient(cfg.Payout, logger)
	if err != nil {
		logger.Fatal("payout client", zap.Error(err))
	}

	queue, err := dlq.NewFileQueue(cfg.Service.DLQPath)
	if err != nil {
		logger.Fatal("dead-letter queue", zap.Error(err))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	brokerCheck := server.HealthCheck{Name: "events", Backend: "none"}
	if cfg.Events.RabbitURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.Events.RabbitURL, cfg.Events.Exchange, logger)
		if err != nil {
			logger.Fatal("event publisher", zap.Error(err))
		}
		publisher = rabbit
		brokerCheck = server.HealthCheck{Name: "events", Backend: "rabbitmq", Ping: rabbit.Ping}
	}
	defer publisher.Close()

	svc, err := offramp.New(offramp.Config{
		MinAmount:      cfg.Compliance.MinAmount,
		MaxAmount:      cfg.Compliance.MaxAmount,
		DefaultChainID: cfg.Compliance.DefaultChainID,
		BalanceTimeout: cfg.Timeouts.Balance,
		PayoutTimeout:  cfg.Timeouts.Payout,
		LedgerTimeout:  cfg.Timeouts.Ledger,
		RequestTimeout: cfg.Timeouts.Request,
	}, offramp.Deps{
		Oracle:      oracle,
		Payouts:     payouts,
		Ledger:      store,
		IDs:         txid.New(cfg.Service.TxIDPrefix),
		Events:      publisher,
		DeadLetters: queue,
		Clock:       clk,
		Metrics:     reg,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("off-ramp service", zap.Error(err))
	}

	rcfg := reconcile.DefaultConfig()
	rcfg.RedriveSchedule = cfg.Reconcile.RedriveSchedule
	rcfg.PollSchedule = cfg.Reconcile.PollSchedule
	rcfg.PurgeSchedule = cfg.Reconcile.PurgeSchedule
	rcfg.PendingAge = cfg.Reconcile.PendingAge
	rcfg.MaxAttempts = cfg.Reconcile.MaxAttempts
	rcfg.BatchSize = cfg.Reconcile.BatchSize
	rdeps := reconcile.Deps{
		Service: svc,
		Querier: payouts,
		Pending: store,
		Queue:   queue,
		Clock:   clk,
		Metrics: reg,
		Logger:  logger,
	}
	// redis expires its own keys
	if purger, ok := idem.(reconcile.ExpiredPurger); ok {
		rdeps.Purger = purger
	}
	reconciler, err := reconcile.New(rcfg, rdeps)
	if err != nil {
		logger.Fatal("reconciler", zap.Error(err))
	}
	if err := reconciler.Start(); err != nil {
		logger.Fatal("reconciler start", zap.Error(err))
	}

	deps := server.Deps{
		Service:     svc,
		Idempotency: idem,
		Metrics:     reg,
		Logger:      logger,
		QueueDepth:  queue.Depth,
		Health: []server.HealthCheck{
			{Name: "chain_rpc", Backend: "ethereum", Ping: oracle.Ping},
			ledgerCheck,
			brokerCheck,
		},
	}
	if cfg.Service.CallbackSecret == "" {
		logger.Warn("MPESA_WEBHOOK_SECRET not set; M-PESA callbacks are not authenticated")
	}
	apiServer := server.NewServer(cfg.Service, deps)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	select {
	case <-reconciler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reconciler jobs still running at shutdown")
	}

	// pushes already accepted by the provider still need their ledger write
	svc.Close()
	drained := make(chan struct{})
	go func() {
		svc.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Error("in-flight payouts did not finish before shutdown; check the dead-letter queue")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func newIdempotencyStore(cfg *config.AppConfig, pool *pgxpool.Pool, clk clock.Clock) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyStore {
	case config.IdempotencyPostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres idempotency store needs DATABASE_URL")
		}
		return idempotency.NewPostgresStore(pool, clk), func() {}, nil
	case config.IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		return idempotency.NewRedisStore(client, clk), func() { _ = client.Close() }, nil
	default:
		return idempotency.NewMemoryStore(clk), func() {}, nil
	}
}

func newPayoutClient(cfg config.PayoutConfig, logger *zap.Logger) (payoutClient, error) {
	if cfg.Mode == config.PayoutModeDaraja {
		return payout.NewDarajaClient(cfg.Daraja, logger)
	}
	logger.Warn("PAYOUT_MODE is sandbox; no money will move")
	return payout.NewSandboxClient(logger), nil
}
