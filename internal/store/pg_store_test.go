//go:build integration
// +build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"

	"nftmarket/internal/market"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("nftmarket"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}
	return dbURL, func() { pgContainer.Terminate(ctx) }, nil
}

func TestPGStoreIntegration(t *testing.T) {
	ctx := context.Background()
	dbURL, cleanup, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanup()

	s, err := NewPGStore(dbURL, nil)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %s", err)
	}
	s.db.ExecContext(ctx, "TRUNCATE TABLE market_items, market_config, balances, credits, market_events")

	it := listedItem(1)
	if err := s.Commit(ctx, market.Change{Item: &it, Event: market.Event{ID: 1, Kind: market.EventItemListed, ItemID: 1, OccurredAt: t0}}); err != nil {
		t.Fatalf("commit listing: %s", err)
	}
	if err := s.Commit(ctx, saleChange(it, 2)); err != nil {
		t.Fatalf("commit sale: %s", err)
	}
	rate := uint64(4)
	if err := s.Commit(ctx, market.Change{FeeRate: &rate, Event: market.Event{ID: 3, Kind: market.EventFeeRateUpdated, FeeRate: 4, OccurredAt: t0}}); err != nil {
		t.Fatalf("commit fee rate: %s", err)
	}

	// a duplicate event id must roll back the whole change
	other := listedItem(2)
	if err := s.Commit(ctx, market.Change{Item: &other, Event: market.Event{ID: 3, Kind: market.EventItemListed}}); err == nil {
		t.Fatal("expected duplicate event id to fail")
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if len(snap.Items) != 1 {
		t.Fatalf("expected 1 item after rollback, got %d", len(snap.Items))
	}
	got := snap.Items[0]
	if got.Status != market.StatusSold || got.Buyer == nil || *got.Buyer != "bob" {
		t.Fatalf("unexpected item %+v", got)
	}
	if !got.Price.Equal(decimal.NewFromInt(100)) || !got.ExpiresAt.Equal(it.ExpiresAt) || got.Asset != it.Asset {
		t.Fatalf("item terms not preserved: %+v", got)
	}
	if snap.FeeRate == nil || *snap.FeeRate != 4 {
		t.Fatalf("expected fee rate 4, got %v", snap.FeeRate)
	}

	bal, err := s.Balance(ctx, "creator")
	if err != nil || !bal.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("creator balance %s err %v", bal, err)
	}
	events, err := s.Events(ctx, 1, 10)
	if err != nil || len(events) != 2 || events[0].Kind != market.EventItemSold {
		t.Fatalf("unexpected events %+v err %v", events, err)
	}
}
