package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nftmarket/internal/id"
	"nftmarket/internal/log"

	"go.uber.org/zap"
)

// Options configures an Engine. Owner and Escrow are required.
type Options struct {
	Owner  Address
	Escrow Address
	// FeeRatePercent seeds the fee rate when the ledger has never stored one.
	FeeRatePercent uint64
	Sink           EventSink
	Clock          Clock
	IDs            IDGenerator
}

// Engine is the lifecycle state machine. Every mutating call runs under one
// mutex and commits its ledger change inside a registry update, so custody
// moves and ledger rows become visible together or not at all. Queries read a
// copy taken under the read lock.
type Engine struct {
	mu       sync.RWMutex
	items    []Item
	index    map[int64]int
	cfg      Config
	escrow   Address
	nextID   int64
	registry Registry
	ledger   Ledger
	sink     EventSink
	clock    Clock
	ids      IDGenerator
	logger   *log.Logger
}

// NewEngine loads the ledger and returns a ready engine.
func NewEngine(ctx context.Context, registry Registry, ledger Ledger, opts Options, logger *log.Logger) (*Engine, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("marketplace owner is required")
	}
	if opts.Escrow == "" {
		return nil, fmt.Errorf("escrow address is required")
	}
	if opts.FeeRatePercent >= MaxFeeRatePercent {
		return nil, fmt.Errorf("initial fee rate %d: %w", opts.FeeRatePercent, ErrFeeRateTooHigh)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	e := &Engine{
		index:    make(map[int64]int),
		cfg:      Config{Owner: opts.Owner, FeeRatePercent: opts.FeeRatePercent},
		escrow:   opts.Escrow,
		nextID:   1,
		registry: registry,
		ledger:   ledger,
		sink:     opts.Sink,
		clock:    opts.Clock,
		ids:      opts.IDs,
		logger:   logger,
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.ids == nil {
		node, err := id.NewNode(0)
		if err != nil {
			return nil, fmt.Errorf("init event ids: %w", err)
		}
		e.ids = node
	}

	snap, err := ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for _, item := range snap.Items {
		if item.ID < e.nextID {
			return nil, fmt.Errorf("ledger item %d out of order", item.ID)
		}
		e.index[item.ID] = len(e.items)
		e.items = append(e.items, item.clone())
		e.nextID = item.ID + 1
	}
	if snap.FeeRate != nil {
		e.cfg.FeeRatePercent = *snap.FeeRate
	}
	logger.Info("Ledger loaded",
		zap.Int("items", len(e.items)),
		zap.Uint64("fee_rate_percent", e.cfg.FeeRatePercent),
		zap.String("owner", string(e.cfg.Owner)))
	return e, nil
}

// ListForSale escrows a caller-owned asset and appends a new Active item.
func (e *Engine) ListForSale(ctx context.Context, caller Address, ref AssetRef, price Amount, duration time.Duration) (int64, error) {
	if err := checkTerms(price, duration); err != nil {
		return 0, e.reject("list", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var (
		item Item
		ev   Event
	)
	err := e.registry.Update(ctx, func(tx RegistryTx) error {
		var err error
		item, ev, err = e.stageListing(ctx, tx, caller, ref, price, duration)
		return err
	})
	if err != nil {
		return 0, e.reject("list", err)
	}
	e.appendItem(item, ev)
	e.emit(ctx, ev)
	return item.ID, nil
}

// CreateAndList mints a token in collection to the caller and lists it. The
// mint is discarded if listing fails.
func (e *Engine) CreateAndList(ctx context.Context, caller Address, collection, metadata string, price Amount, duration time.Duration) (int64, error) {
	if err := checkTerms(price, duration); err != nil {
		return 0, e.reject("mint_and_list", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var (
		item Item
		ev   Event
	)
	err := e.registry.Update(ctx, func(tx RegistryTx) error {
		ref, err := tx.Mint(collection, caller, metadata)
		if err != nil {
			return fmt.Errorf("mint asset: %w", err)
		}
		item, ev, err = e.stageListing(ctx, tx, caller, ref, price, duration)
		return err
	})
	if err != nil {
		return 0, e.reject("mint_and_list", err)
	}
	e.appendItem(item, ev)
	e.emit(ctx, ev)
	return item.ID, nil
}

// stageListing checks authority, moves ref into escrow within tx and commits
// the new item to the ledger.
func (e *Engine) stageListing(ctx context.Context, tx RegistryTx, caller Address, ref AssetRef, price Amount, duration time.Duration) (Item, Event, error) {
	if !tx.IsAuthorized(caller, ref) {
		return Item{}, Event{}, ErrNotAuthorized
	}
	recipient, err := tx.CollectionOwner(ref.Collection)
	if err != nil {
		return Item{}, Event{}, fmt.Errorf("lookup collection owner: %w", err)
	}

	now := e.clock.Now()
	item := Item{
		ID:           e.nextID,
		Asset:        ref,
		Seller:       caller,
		FeeRecipient: recipient,
		Price:        price,
		ExpiresAt:    now.Add(duration),
		Status:       StatusActive,
		CreatedAt:    now,
	}
	if err := tx.Transfer(ref, caller, e.escrow); err != nil {
		return Item{}, Event{}, fmt.Errorf("escrow asset: %w", err)
	}
	ev := e.newEvent(EventItemListed, item, now)
	if err := e.ledger.Commit(ctx, Change{Item: &item, Event: ev}); err != nil {
		return Item{}, Event{}, fmt.Errorf("commit listing: %w", err)
	}
	return item, ev, nil
}

func (e *Engine) appendItem(item Item, ev Event) {
	e.index[item.ID] = len(e.items)
	e.items = append(e.items, item)
	e.nextID++
	e.logger.Info("Item listed",
		zap.Int64("item_id", item.ID),
		zap.Int64("event_id", ev.ID),
		zap.Stringer("asset", item.Asset),
		zap.String("seller", string(item.Seller)),
		zap.String("fee_recipient", string(item.FeeRecipient)),
		zap.Stringer("price", item.Price),
		zap.Time("expires_at", item.ExpiresAt))
}

// Buy settles an Active, unexpired item for exactly its price.
func (e *Engine) Buy(ctx context.Context, caller Address, itemID int64, payment Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.index[itemID]
	if !ok {
		return e.reject("buy", ErrItemNotFound)
	}
	item := e.items[idx].clone()
	if item.Status != StatusActive {
		return e.reject("buy", ErrItemUnavailable)
	}
	now := e.clock.Now()
	if item.Expired(now) {
		return e.reject("buy", ErrListingExpired)
	}
	if !payment.Equal(item.Price) {
		return e.reject("buy", ErrIncorrectPayment)
	}

	rate := e.cfg.FeeRatePercent
	fee, proceeds := Split(item.Price, rate)
	buyer := caller
	item.Buyer = &buyer
	item.Status = StatusSold

	ev := e.newEvent(EventItemSold, item, now)
	ev.Fee = fee
	ev.FeeRate = rate
	change := Change{
		Item:    &item,
		Credits: settlementCredits(e.cfg.Owner, item.FeeRecipient, fee, proceeds),
		Event:   ev,
	}
	err := e.registry.Update(ctx, func(tx RegistryTx) error {
		if err := tx.Transfer(item.Asset, e.escrow, caller); err != nil {
			return fmt.Errorf("release asset: %w", err)
		}
		if err := e.ledger.Commit(ctx, change); err != nil {
			return fmt.Errorf("commit sale: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.reject("buy", err)
	}

	e.items[idx] = item
	e.logger.Info("Item sold",
		zap.Int64("item_id", item.ID),
		zap.String("buyer", string(caller)),
		zap.Stringer("price", item.Price),
		zap.Stringer("fee", fee),
		zap.Stringer("proceeds", proceeds),
		zap.String("fee_recipient", string(item.FeeRecipient)))
	e.emit(ctx, ev)
	return nil
}

// Delist returns an expired listing's asset to its seller.
func (e *Engine) Delist(ctx context.Context, caller Address, itemID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, item, err := e.withdrawable(caller, itemID)
	if err != nil {
		return e.reject("delist", err)
	}
	now := e.clock.Now()
	item.Status = StatusDelisted

	ev := e.newEvent(EventItemDelisted, item, now)
	err = e.registry.Update(ctx, func(tx RegistryTx) error {
		if err := tx.Transfer(item.Asset, e.escrow, item.Seller); err != nil {
			return fmt.Errorf("return asset: %w", err)
		}
		if err := e.ledger.Commit(ctx, Change{Item: &item, Event: ev}); err != nil {
			return fmt.Errorf("commit delisting: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.reject("delist", err)
	}

	e.items[idx] = item
	e.logger.Info("Item delisted", zap.Int64("item_id", item.ID), zap.String("seller", string(caller)))
	e.emit(ctx, ev)
	return nil
}

// Relist re-offers an expired listing at a new price and window. The asset
// stays in escrow.
func (e *Engine) Relist(ctx context.Context, caller Address, itemID int64, price Amount, duration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, item, err := e.withdrawable(caller, itemID)
	if err != nil {
		return e.reject("relist", err)
	}
	if err := checkTerms(price, duration); err != nil {
		return e.reject("relist", err)
	}
	now := e.clock.Now()
	item.Price = price
	item.ExpiresAt = now.Add(duration)

	ev := e.newEvent(EventItemRelisted, item, now)
	if err := e.ledger.Commit(ctx, Change{Item: &item, Event: ev}); err != nil {
		return e.reject("relist", fmt.Errorf("commit relisting: %w", err))
	}

	e.items[idx] = item
	e.logger.Info("Item relisted",
		zap.Int64("item_id", item.ID),
		zap.Stringer("price", price),
		zap.Time("expires_at", item.ExpiresAt))
	e.emit(ctx, ev)
	return nil
}

// withdrawable checks the seller-only preconditions shared by Delist and
// Relist. Unknown items report ErrNotSeller since nobody sold them.
func (e *Engine) withdrawable(caller Address, itemID int64) (int, Item, error) {
	idx, ok := e.index[itemID]
	if !ok || e.items[idx].Seller != caller {
		return 0, Item{}, ErrNotSeller
	}
	item := e.items[idx].clone()
	if item.Status != StatusActive {
		return 0, Item{}, ErrItemAlreadySold
	}
	if !item.Expired(e.clock.Now()) {
		return 0, Item{}, ErrListingNotYetExpired
	}
	return idx, item, nil
}

// UpdateFeeRate changes the platform fee rate. Owner only.
func (e *Engine) UpdateFeeRate(ctx context.Context, caller Address, rate uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return e.reject("update_fee_rate", ErrNotOwner)
	}
	if rate >= MaxFeeRatePercent {
		return e.reject("update_fee_rate", ErrFeeRateTooHigh)
	}
	ev := Event{
		ID:         e.ids.Generate(),
		Kind:       EventFeeRateUpdated,
		FeeRate:    rate,
		OccurredAt: e.clock.Now(),
	}
	if err := e.ledger.Commit(ctx, Change{FeeRate: &rate, Event: ev}); err != nil {
		return e.reject("update_fee_rate", fmt.Errorf("commit fee rate: %w", err))
	}
	prev := e.cfg.FeeRatePercent
	e.cfg.FeeRatePercent = rate
	e.logger.Info("Fee rate updated", zap.Uint64("from", prev), zap.Uint64("to", rate))
	e.emit(ctx, ev)
	return nil
}

func checkTerms(price Amount, duration time.Duration) error {
	if duration <= MinListingDuration {
		return ErrInvalidDuration
	}
	if !validPrice(price) {
		return ErrInvalidPrice
	}
	return nil
}

func (e *Engine) newEvent(kind EventKind, item Item, at time.Time) Event {
	ev := itemEvent(kind, item, at)
	ev.ID = e.ids.Generate()
	return ev
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Error("Failed to emit event",
			zap.Error(err), zap.Int64("event_id", ev.ID), zap.String("kind", string(ev.Kind)))
	}
}

func (e *Engine) reject(op string, err error) error {
	if IsRejection(err) {
		e.logger.Debug("Operation rejected", zap.String("op", op), zap.Error(err))
	} else {
		e.logger.Error("Operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}
