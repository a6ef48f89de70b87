package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qazna.org/wallet/internal/acquirer"
	"qazna.org/wallet/internal/config"
	"qazna.org/wallet/internal/events"
	"qazna.org/wallet/internal/exchange"
	"qazna.org/wallet/internal/ledger"
	"qazna.org/wallet/internal/obs"
	"qazna.org/wallet/internal/opsapi"
	"qazna.org/wallet/internal/store/pg"
	"qazna.org/wallet/internal/stream"
)

var (
	version = "0.7.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	log, err := zcfg.Build()
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()
	obs.SetLogger(log)
	obs.Init()
	obs.SetBuild(version, commit)

	if err := run(cfg, log); err != nil {
		log.Fatal("walletd stopped", zap.Error(err))
	}
	log.Info("stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.PGDSN, pg.WithLockTimeout(cfg.LockTimeout), pg.WithRetries(cfg.TxRetries))
	if err != nil {
		return err
	}
	defer store.Close()

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	catalog, err := store.LoadCatalog(loadCtx)
	cancel()
	if err != nil {
		return err
	}

	var provider exchange.Provider
	if cfg.RateURL != "" {
		provider = exchange.NewHTTPProvider(cfg.RateURL)
		if cfg.RedisAddr != "" {
			client, err := exchange.Connect(cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer client.Close()
			provider = exchange.NewRedisCache(client, provider, cfg.RateTTL)
		}
	}
	rates := exchange.NewCalculator(catalog, cfg.Rates, provider)

	hub := stream.New(stream.WithWallets(store))
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer producer.Close()
		publishers = append(publishers, producer)
	}

	card := acquirer.NewThrottled(acquirer.Sandbox{Limit: cfg.AcquirerLimit}, cfg.AcquirerRate, cfg.AcquirerBurst)

	opts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithMerchants(store),
		ledger.WithAcquirer(card, cfg.AcquirerTimeout),
		ledger.WithRates(rates),
		ledger.WithPublisher(publishers),
	}
	if cfg.FeeCollector != "" {
		opts = append(opts, ledger.WithFeeCollector(cfg.FeeCollector))
	}
	if cfg.Directory == config.DirectoryPG {
		opts = append(opts, ledger.WithDirectory(store))
	}
	engine := ledger.NewEngine(store, catalog, opts...)

	readiness := opsapi.ReadyCheck{DB: store}
	api := opsapi.New(readiness, version, engine, hub,
		opsapi.WithLogger(log), opsapi.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := opsapi.NewGRPCServer(readiness, log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()
	if cfg.ExpireEvery > 0 {
		go expireLoop(ctx, engine, cfg, log)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	return nil
}

// expireLoop cancels pending entries older than cfg.ExpireAfter.
func expireLoop(ctx context.Context, engine *ledger.Engine, cfg config.Config, log *zap.Logger) {
	ticker := time.NewTicker(cfg.ExpireEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpirePending(ctx, cfg.ExpireAfter, cfg.ExpireBatch)
			if err != nil {
				log.Warn("expire pending entries", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired pending entries", zap.Int("count", n))
			}
		}
	}
}
