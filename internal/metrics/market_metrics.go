package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsSource reports item counts by lifecycle state.
type StatsSource interface {
	Stats() market.Stats
}

// Pinger is a dependency whose health is exported as a gauge.
type Pinger interface {
	Ping(ctx context.Context) error
}

type MarketMetrics struct {
	EventsTotal     *prometheus.CounterVec
	SaleVolume      prometheus.Counter
	FeeVolume       prometheus.Counter
	RejectionsTotal *prometheus.CounterVec
	Items           *prometheus.GaugeVec
	FeeRate         prometheus.Gauge
	DependencyUp    *prometheus.GaugeVec
	logger          *log.Logger
}

func NewMarketMetrics(reg prometheus.Registerer, logger *log.Logger) *MarketMetrics {
	if logger == nil {
		logger = log.NewNop()
	}
	m := &MarketMetrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_events_total",
				Help: "Committed lifecycle events by kind",
			},
			[]string{"kind"},
		),
		SaleVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nftmarket_sale_volume_total",
			Help: "Sum of settled sale prices",
		}),
		FeeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nftmarket_fee_volume_total",
			Help: "Sum of platform fees credited to the marketplace owner",
		}),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftmarket_rejections_total",
				Help: "Operations rejected by a precondition, by operation and reason",
			},
			[]string{"op", "reason"},
		),
		Items: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nftmarket_items",
				Help: "Items by logical state (active, expired, sold, delisted)",
			},
			[]string{"state"},
		),
		FeeRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nftmarket_fee_rate_percent",
			Help: "Current marketplace fee rate",
		}),
		DependencyUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nftmarket_dependency_up",
				Help: "Health of backing services (1 = healthy, 0 = unhealthy)",
			},
			[]string{"dependency"},
		),
		logger: logger,
	}
	reg.MustRegister(
		m.EventsTotal,
		m.SaleVolume,
		m.FeeVolume,
		m.RejectionsTotal,
		m.Items,
		m.FeeRate,
		m.DependencyUp,
	)
	return m
}

// Emit counts a committed event.
func (m *MarketMetrics) Emit(_ context.Context, ev market.Event) error {
	m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case market.EventItemSold:
		m.SaleVolume.Add(ev.Price.InexactFloat64())
		m.FeeVolume.Add(ev.Fee.InexactFloat64())
	case market.EventFeeRateUpdated:
		m.FeeRate.Set(float64(ev.FeeRate))
	}
	return nil
}

// ObserveRejection counts err when it is a precondition rejection.
func (m *MarketMetrics) ObserveRejection(op string, err error) {
	if kind := market.RejectionKind(err); kind != "" {
		m.RejectionsTotal.WithLabelValues(op, kind).Inc()
	}
}

// Collect refreshes the snapshot gauges once.
func (m *MarketMetrics) Collect(ctx context.Context, src StatsSource, feeRate uint64, deps map[string]Pinger) {
	s := src.Stats()
	m.Items.WithLabelValues(string(market.StateActive)).Set(float64(s.Active))
	m.Items.WithLabelValues(string(market.StateExpired)).Set(float64(s.Expired))
	m.Items.WithLabelValues(string(market.StateSold)).Set(float64(s.Sold))
	m.Items.WithLabelValues(string(market.StateDelisted)).Set(float64(s.Delisted))
	m.FeeRate.Set(float64(feeRate))
	for name, dep := range deps {
		if err := dep.Ping(ctx); err != nil {
			m.DependencyUp.WithLabelValues(name).Set(0)
			m.logger.Error("Dependency unhealthy", zap.String("dependency", name), zap.Error(err))
		} else {
			m.DependencyUp.WithLabelValues(name).Set(1)
		}
	}
}

// Serve exposes /metrics on addr until ctx is done, refreshing gauges from
// engine every interval.
func (m *MarketMetrics) Serve(ctx context.Context, addr string, tlsConfig *tls.Config, engine *market.Engine, deps map[string]Pinger, interval time.Duration) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.Collect(ctx, engine, engine.FeeRate(), deps)
			select {
			case <-ctx.Done():
				m.logger.Info("Metrics collection shutting down")
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		var err error
		if tlsConfig != nil {
			m.logger.Info("Metrics server starting with TLS", zap.String("addr", addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			m.logger.Info("Metrics server starting without TLS", zap.String("addr", addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
