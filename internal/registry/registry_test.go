package registry

import (
	"context"
	"errors"
	"testing"

	"nftmarket/internal/market"
)

func TestMintAndTransfer(t *testing.T) {
	ctx := context.Background()
	r := New("escrow", nil)
	if err := r.CreateCollection(ctx, "punks", "creator"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := r.CreateCollection(ctx, "punks", "other"); !errors.Is(err, ErrCollectionExists) {
		t.Fatalf("expected ErrCollectionExists, got %v", err)
	}

	a, err := r.Mint(ctx, "punks", "alice", "ipfs://a")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	b, _ := r.Mint(ctx, "punks", "alice", "ipfs://b")
	if a.TokenID != 1 || b.TokenID != 2 {
		t.Fatalf("expected sequential token ids, got %d and %d", a.TokenID, b.TokenID)
	}

	if err := r.Transfer(ctx, a, "bob", "carol"); !errors.Is(err, ErrNotTokenOwner) {
		t.Fatalf("expected ErrNotTokenOwner, got %v", err)
	}
	if err := r.Transfer(ctx, a, "alice", "bob"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	tok, err := r.Token(ctx, a)
	if err != nil || tok.Owner != "bob" || tok.Metadata != "ipfs://a" {
		t.Fatalf("unexpected token %+v err %v", tok, err)
	}

	if _, err := r.Mint(ctx, "missing", "alice", ""); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestIsAuthorizedRequiresOwnershipAndApproval(t *testing.T) {
	ctx := context.Background()
	r := New("escrow", nil)
	_ = r.CreateCollection(ctx, "punks", "creator")
	ref, _ := r.Mint(ctx, "punks", "alice", "")

	if ok, _ := r.IsAuthorized(ctx, "alice", ref); ok {
		t.Fatal("authorized without approval")
	}
	r.SetApprovalForAll(ctx, "alice", "escrow", true)
	if ok, _ := r.IsAuthorized(ctx, "alice", ref); !ok {
		t.Fatal("expected owner with approval to be authorized")
	}
	if ok, _ := r.IsAuthorized(ctx, "bob", ref); ok {
		t.Fatal("non-owner must not be authorized")
	}
	r.SetApprovalForAll(ctx, "alice", "escrow", false)
	if ok, _ := r.IsAuthorized(ctx, "alice", ref); ok {
		t.Fatal("authorized after approval revoked")
	}
	if ok, err := r.IsAuthorized(ctx, "alice", market.AssetRef{Collection: "punks", TokenID: 99}); ok || err != nil {
		t.Fatalf("unknown token: ok=%v err=%v", ok, err)
	}
}

func TestUpdateDiscardsStagedChangesOnError(t *testing.T) {
	ctx := context.Background()
	r := New("escrow", nil)
	_ = r.CreateCollection(ctx, "punks", "creator")
	ref, _ := r.Mint(ctx, "punks", "alice", "")

	failed := errors.New("ledger down")
	err := r.Update(ctx, func(tx market.RegistryTx) error {
		minted, err := tx.Mint("punks", "alice", "ipfs://b")
		if err != nil {
			return err
		}
		if err := tx.Transfer(minted, "alice", "escrow"); err != nil {
			return err
		}
		if err := tx.Transfer(ref, "alice", "bob"); err != nil {
			return err
		}
		if err := tx.Transfer(ref, "alice", "carol"); !errors.Is(err, ErrNotTokenOwner) {
			t.Errorf("staged transfer not visible inside the update: %v", err)
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected update error, got %v", err)
	}
	if tok, _ := r.Token(ctx, ref); tok.Owner != "alice" {
		t.Fatalf("discarded transfer applied, owner %q", tok.Owner)
	}
	if _, err := r.Token(ctx, market.AssetRef{Collection: "punks", TokenID: 2}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("discarded mint applied: %v", err)
	}
	next, _ := r.Mint(ctx, "punks", "carol", "")
	if next.TokenID != 2 {
		t.Fatalf("discarded mint consumed a token id, got %d", next.TokenID)
	}
}

func TestRestoreCustodyFollowsLedgerOrder(t *testing.T) {
	ctx := context.Background()
	r := New("escrow", nil)
	bob := market.Address("bob")
	r.RestoreCustody([]market.Item{
		{ID: 1, Asset: market.AssetRef{Collection: "punks", TokenID: 1}, Seller: "alice", FeeRecipient: "creator", Status: market.StatusSold, Buyer: &bob},
		{ID: 2, Asset: market.AssetRef{Collection: "punks", TokenID: 2}, Seller: "alice", FeeRecipient: "creator", Status: market.StatusDelisted},
		{ID: 3, Asset: market.AssetRef{Collection: "punks", TokenID: 4}, Seller: "carol", FeeRecipient: "heir", Status: market.StatusActive},
		{ID: 4, Asset: market.AssetRef{Collection: "punks", TokenID: 2}, Seller: "alice", FeeRecipient: "heir", Status: market.StatusActive},
	})

	owner, err := r.CollectionOwner(ctx, "punks")
	if err != nil || owner != "heir" {
		t.Fatalf("expected latest fee recipient as collection owner, got %q err %v", owner, err)
	}
	for ref, want := range map[market.AssetRef]market.Address{
		{Collection: "punks", TokenID: 1}: "bob",
		{Collection: "punks", TokenID: 2}: "escrow",
		{Collection: "punks", TokenID: 4}: "escrow",
	} {
		tok, err := r.Token(ctx, ref)
		if err != nil || tok.Owner != want {
			t.Fatalf("%s: expected holder %q, got %q err %v", ref, want, tok.Owner, err)
		}
	}
	next, _ := r.Mint(ctx, "punks", "alice", "")
	if next.TokenID != 5 {
		t.Fatalf("expected next token id 5, got %d", next.TokenID)
	}
}

func TestTransferCollection(t *testing.T) {
	ctx := context.Background()
	r := New("escrow", nil)
	_ = r.CreateCollection(ctx, "punks", "creator")

	if err := r.TransferCollection(ctx, "punks", "mallory", "mallory"); !errors.Is(err, ErrNotCollectionOwner) {
		t.Fatalf("expected ErrNotCollectionOwner, got %v", err)
	}
	if err := r.TransferCollection(ctx, "punks", "creator", "heir"); err != nil {
		t.Fatalf("transfer collection: %v", err)
	}
	if owner, _ := r.CollectionOwner(ctx, "punks"); owner != "heir" {
		t.Fatalf("expected heir, got %q", owner)
	}
}
