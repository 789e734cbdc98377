package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"nftmarket/internal/market"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type fixedStats market.Stats

func (f fixedStats) Stats() market.Stats { return market.Stats(f) }

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestEmitCountsEventsAndVolume(t *testing.T) {
	m := NewMarketMetrics(prometheus.NewRegistry(), nil)
	ctx := context.Background()
	_ = m.Emit(ctx, market.Event{Kind: market.EventItemListed})
	_ = m.Emit(ctx, market.Event{Kind: market.EventItemSold, Price: decimal.NewFromInt(1000), Fee: decimal.NewFromInt(20)})
	_ = m.Emit(ctx, market.Event{Kind: market.EventItemSold, Price: decimal.NewFromInt(50), Fee: decimal.NewFromInt(1)})
	_ = m.Emit(ctx, market.Event{Kind: market.EventFeeRateUpdated, FeeRate: 7})

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(market.EventItemSold))); got != 2 {
		t.Fatalf("expected 2 sold events, got %v", got)
	}
	if got := testutil.ToFloat64(m.SaleVolume); got != 1050 {
		t.Fatalf("expected sale volume 1050, got %v", got)
	}
	if got := testutil.ToFloat64(m.FeeVolume); got != 21 {
		t.Fatalf("expected fee volume 21, got %v", got)
	}
	if got := testutil.ToFloat64(m.FeeRate); got != 7 {
		t.Fatalf("expected fee rate gauge 7, got %v", got)
	}
}

func TestObserveRejectionIgnoresInfrastructureErrors(t *testing.T) {
	m := NewMarketMetrics(prometheus.NewRegistry(), nil)
	m.ObserveRejection("buy", fmt.Errorf("wrapped: %w", market.ErrIncorrectPayment))
	m.ObserveRejection("buy", errors.New("connection reset"))

	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("buy", "incorrect_payment")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.CollectAndCount(m.RejectionsTotal); got != 1 {
		t.Fatalf("expected a single rejection series, got %d", got)
	}
}

func TestCollectSetsGauges(t *testing.T) {
	m := NewMarketMetrics(prometheus.NewRegistry(), nil)
	deps := map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("down") }),
	}
	m.Collect(context.Background(), fixedStats{Active: 3, Expired: 1, Sold: 2}, 2, deps)

	if got := testutil.ToFloat64(m.Items.WithLabelValues("active")); got != 3 {
		t.Fatalf("expected 3 active, got %v", got)
	}
	if got := testutil.ToFloat64(m.Items.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expected 1 expired, got %v", got)
	}
	if got := testutil.ToFloat64(m.DependencyUp.WithLabelValues("postgres")); got != 1 {
		t.Fatalf("expected postgres up, got %v", got)
	}
	if got := testutil.ToFloat64(m.DependencyUp.WithLabelValues("redis")); got != 0 {
		t.Fatalf("expected redis down, got %v", got)
	}
}
