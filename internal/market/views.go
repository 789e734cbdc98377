package market

import (
	"iter"
	"time"
)

// Views are evaluated against a copy of the ledger taken when the view is
// requested. Ranging over the returned sequence again replays that copy.

// Unsold yields every item that can be bought right now.
func (e *Engine) Unsold() iter.Seq[Item] {
	items, now := e.snapshot()
	return filter(items, func(it Item) bool {
		return it.State(now) == StateActive
	})
}

// MarketItems yields every item that has not been delisted, including sold
// items and expired listings that are still in escrow.
func (e *Engine) MarketItems() iter.Seq[Item] {
	items, _ := e.snapshot()
	return filter(items, func(it Item) bool {
		return it.Status != StatusDelisted
	})
}

// ItemsBought yields the items caller has purchased.
func (e *Engine) ItemsBought(caller Address) iter.Seq[Item] {
	items, _ := e.snapshot()
	return filter(items, func(it Item) bool {
		return it.Status == StatusSold && it.Buyer != nil && *it.Buyer == caller
	})
}

// ItemsCreated yields the items caller listed, except withdrawn ones.
func (e *Engine) ItemsCreated(caller Address) iter.Seq[Item] {
	items, _ := e.snapshot()
	return filter(items, func(it Item) bool {
		return it.Seller == caller && it.Status != StatusDelisted
	})
}

// Item returns one item by id.
func (e *Engine) Item(itemID int64) (Item, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.index[itemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return e.items[idx].clone(), nil
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) FeeRate() uint64 {
	return e.Config().FeeRatePercent
}

// Escrow is the custody address holding listed assets.
func (e *Engine) Escrow() Address {
	return e.escrow
}

// Now is the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Stats counts items by logical state.
type Stats struct {
	Active   int
	Expired  int
	Sold     int
	Delisted int
}

func (e *Engine) Stats() Stats {
	items, now := e.snapshot()
	var s Stats
	for _, it := range items {
		switch it.State(now) {
		case StateActive:
			s.Active++
		case StateExpired:
			s.Expired++
		case StateSold:
			s.Sold++
		case StateDelisted:
			s.Delisted++
		}
	}
	return s
}

func (e *Engine) snapshot() ([]Item, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	items := make([]Item, len(e.items))
	for i, it := range e.items {
		items[i] = it.clone()
	}
	return items, e.clock.Now()
}

func filter(items []Item, keep func(Item) bool) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, it := range items {
			if keep(it) && !yield(it.clone()) {
				return
			}
		}
	}
}
