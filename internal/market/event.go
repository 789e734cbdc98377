package market

import "time"

type EventKind string

const (
	EventItemListed     EventKind = "ItemListed"
	EventItemSold       EventKind = "ItemSold"
	EventItemDelisted   EventKind = "ItemDelisted"
	EventItemRelisted   EventKind = "ItemRelisted"
	EventFeeRateUpdated EventKind = "FeeRateUpdated"
)

// Event is the audit record emitted for every committed state change.
type Event struct {
	ID           int64     `json:"id"`
	Kind         EventKind `json:"kind"`
	ItemID       int64     `json:"item_id,omitempty"`
	Asset        AssetRef  `json:"asset"`
	Seller       Address   `json:"seller,omitempty"`
	FeeRecipient Address   `json:"fee_recipient,omitempty"`
	Buyer        Address   `json:"buyer,omitempty"`
	Price        Amount    `json:"price"`
	Fee          Amount    `json:"fee"`
	FeeRate      uint64    `json:"fee_rate_percent"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func itemEvent(kind EventKind, item Item, at time.Time) Event {
	ev := Event{
		Kind:       kind,
		ItemID:     item.ID,
		Asset:      item.Asset,
		Seller:     item.Seller,
		Price:      item.Price,
		OccurredAt: at,
	}
	switch kind {
	case EventItemListed:
		ev.FeeRecipient = item.FeeRecipient
	case EventItemSold:
		ev.FeeRecipient = item.FeeRecipient
		if item.Buyer != nil {
			ev.Buyer = *item.Buyer
		}
	}
	return ev
}
