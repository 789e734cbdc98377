package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nftmarket/internal/config"
	"nftmarket/internal/events"
	"nftmarket/internal/id"
	"nftmarket/internal/log"
	"nftmarket/internal/market"
	"nftmarket/internal/metrics"
	"nftmarket/internal/registry"
	"nftmarket/internal/server"
	"nftmarket/internal/store"
	"nftmarket/internal/wal"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ledgerStore is what both store backends provide.
type ledgerStore interface {
	market.Ledger
	server.Accounts
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger = log.New(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg, logger.Named("store"))
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	escrow := market.Address(cfg.MarketAddress)
	reg := registry.New(escrow, logger.Named("registry"))
	snap, err := st.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load ledger", zap.Error(err))
	}
	reg.RestoreCustody(snap.Items)

	health := map[string]server.Pinger{"ledger": st}
	marketMetrics := metrics.NewMarketMetrics(prometheus.DefaultRegisterer, logger.Named("metrics"))
	sinks := events.Fanout{marketMetrics}

	var relay *events.Relay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer client.Close()
		publisher := events.NewRedisPublisher(client, cfg.EventsStream, logger.Named("publisher"))
		relay = events.NewRelay(st, publisher, cfg.RelayInterval, logger.Named("relay"))
		sinks = append(sinks, relay)
		health["redis"] = publisher
	} else {
		logger.Warn("REDIS_ADDR not set, events will not be published")
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("Failed to initialize event ids", zap.Error(err))
	}
	engine, err := market.NewEngine(ctx, reg, st, market.Options{
		Owner:          market.Address(cfg.MarketOwner),
		Escrow:         escrow,
		FeeRatePercent: cfg.FeeRatePercent,
		Sink:           sinks,
		IDs:            node,
	}, logger.Named("engine"))
	if err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	tlsConfig, err := cfg.TLS()
	if err != nil {
		logger.Fatal("Failed to load TLS certificates", zap.Error(err))
	}
	if tlsConfig == nil {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	metricDeps := make(map[string]metrics.Pinger, len(health))
	for name, dep := range health {
		metricDeps[name] = dep
	}
	go marketMetrics.Serve(ctx, cfg.MetricsAddr, tlsConfig, engine, metricDeps, cfg.MetricsInterval)
	relayDone := make(chan struct{})
	if relay != nil {
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
	} else {
		close(relayDone)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, server.Deps{
		Engine:             engine,
		Registry:           reg,
		Accounts:           st,
		Rejections:         marketMetrics,
		Health:             health,
		JWTSecret:          cfg.JWTSecret,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		var err error
		if tlsConfig != nil {
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	<-relayDone
}

func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (ledgerStore, error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPGStore(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	journal, err := wal.Open(cfg.WALDir)
	if err != nil {
		return nil, err
	}
	mem, err := store.NewMemoryStore(journal, logger)
	if err != nil {
		journal.Close()
		return nil, err
	}
	return mem, nil
}
