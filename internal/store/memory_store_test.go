package store

import (
	"context"
	"testing"
	"time"

	"nftmarket/internal/market"
	"nftmarket/internal/wal"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func listedItem(id int64) market.Item {
	return market.Item{
		ID:           id,
		Asset:        market.AssetRef{Collection: "punks", TokenID: uint64(id)},
		Seller:       "alice",
		FeeRecipient: "creator",
		Price:        decimal.NewFromInt(100),
		ExpiresAt:    t0.Add(48 * time.Hour),
		Status:       market.StatusActive,
		CreatedAt:    t0,
	}
}

func saleChange(item market.Item, eventID int64) market.Change {
	buyer := market.Address("bob")
	item.Buyer = &buyer
	item.Status = market.StatusSold
	return market.Change{
		Item: &item,
		Credits: []market.Credit{
			{Account: "owner", Amount: decimal.NewFromInt(2)},
			{Account: "creator", Amount: decimal.NewFromInt(98)},
		},
		Event: market.Event{ID: eventID, Kind: market.EventItemSold, ItemID: item.ID, OccurredAt: t0},
	}
}

func TestMemoryStoreCommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, id := range []int64{1, 2} {
		it := listedItem(id)
		if err := s.Commit(ctx, market.Change{Item: &it, Event: market.Event{ID: id * 10, Kind: market.EventItemListed}}); err != nil {
			t.Fatalf("commit listing %d: %v", id, err)
		}
	}
	if err := s.Commit(ctx, saleChange(listedItem(1), 30)); err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Items) != 2 || snap.Items[0].ID != 1 || snap.Items[1].ID != 2 {
		t.Fatalf("expected items ordered by id, got %+v", snap.Items)
	}
	if snap.Items[0].Status != market.StatusSold || *snap.Items[0].Buyer != "bob" {
		t.Fatalf("sale not applied: %+v", snap.Items[0])
	}
	if snap.FeeRate != nil {
		t.Fatalf("expected no stored fee rate, got %d", *snap.FeeRate)
	}

	bal, _ := s.Balance(ctx, "creator")
	if !bal.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("expected creator balance 98, got %s", bal)
	}
	bal, _ = s.Balance(ctx, "nobody")
	if !bal.IsZero() {
		t.Fatalf("expected zero balance, got %s", bal)
	}

	events, _ := s.Events(ctx, 10, 10)
	if len(events) != 2 || events[0].ID != 20 || events[1].ID != 30 {
		t.Fatalf("unexpected events after 10: %+v", events)
	}
	events, _ = s.Events(ctx, 0, 1)
	if len(events) != 1 || events[0].ID != 10 {
		t.Fatalf("limit not honoured: %+v", events)
	}
}

func TestMemoryStoreReplaysJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	journal, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	s, err := NewMemoryStore(journal, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	it := listedItem(1)
	_ = s.Commit(ctx, market.Change{Item: &it, Event: market.Event{ID: 1, Kind: market.EventItemListed}})
	_ = s.Commit(ctx, saleChange(it, 2))
	rate := uint64(5)
	_ = s.Commit(ctx, market.Change{FeeRate: &rate, Event: market.Event{ID: 3, Kind: market.EventFeeRateUpdated, FeeRate: 5}})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	journal, err = wal.Open(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	restored, err := NewMemoryStore(journal, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer restored.Close()

	snap, _ := restored.Load(ctx)
	if len(snap.Items) != 1 || snap.Items[0].Status != market.StatusSold {
		t.Fatalf("unexpected restored items %+v", snap.Items)
	}
	if !snap.Items[0].Price.Equal(decimal.NewFromInt(100)) || !snap.Items[0].ExpiresAt.Equal(it.ExpiresAt) {
		t.Fatalf("restored item lost terms: %+v", snap.Items[0])
	}
	if snap.FeeRate == nil || *snap.FeeRate != 5 {
		t.Fatalf("expected restored fee rate 5, got %v", snap.FeeRate)
	}
	bal, _ := restored.Balance(ctx, "owner")
	if !bal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected owner balance 2, got %s", bal)
	}
}

func TestMemoryStoreRejectsCancelledContext(t *testing.T) {
	s, _ := NewMemoryStore(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := listedItem(1)
	if err := s.Commit(ctx, market.Change{Item: &it}); err == nil {
		t.Fatal("expected commit to fail on cancelled context")
	}
	snap, _ := s.Load(context.Background())
	if len(snap.Items) != 0 {
		t.Fatalf("cancelled commit was applied: %+v", snap.Items)
	}
}
