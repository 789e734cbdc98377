package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MinListingDuration is the threshold a listing duration must strictly exceed.
const MinListingDuration = 24 * time.Hour

// MaxFeeRatePercent is the exclusive ceiling for the marketplace fee rate.
const MaxFeeRatePercent = 10

// Address identifies a participant (seller, buyer, owner, escrow).
type Address string

// Amount is a whole-unit currency value.
type Amount = decimal.Decimal

// AssetRef identifies an externally owned non-fungible asset.
type AssetRef struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
}

func (r AssetRef) String() string {
	return fmt.Sprintf("%s/%d", r.Collection, r.TokenID)
}

// Status is the persisted lifecycle status of an item.
type Status string

const (
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusDelisted Status = "delisted"
)

// State is the logical lifecycle state, derived from Status and the clock.
type State string

const (
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateSold     State = "sold"
	StateDelisted State = "delisted"
)

type Item struct {
	ID           int64     `json:"item_id"`
	Asset        AssetRef  `json:"asset"`
	Seller       Address   `json:"seller"`
	FeeRecipient Address   `json:"fee_recipient"`
	Price        Amount    `json:"price"`
	ExpiresAt    time.Time `json:"expires_at"`
	Buyer        *Address  `json:"buyer,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the listing window has lapsed at now.
// Only meaningful while Status is StatusActive.
func (i Item) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// State derives the logical state of the item at now.
func (i Item) State(now time.Time) State {
	switch i.Status {
	case StatusSold:
		return StateSold
	case StatusDelisted:
		return StateDelisted
	}
	if i.Expired(now) {
		return StateExpired
	}
	return StateActive
}

// Withdrawable reports whether the seller may delist or relist the item at now.
func (i Item) Withdrawable(now time.Time) bool {
	return i.State(now) == StateExpired
}

func (i Item) clone() Item {
	if i.Buyer != nil {
		b := *i.Buyer
		i.Buyer = &b
	}
	return i
}

// Config is the marketplace configuration record.
type Config struct {
	Owner          Address `json:"owner"`
	FeeRatePercent uint64  `json:"fee_rate_percent"`
}

func validPrice(price Amount) bool {
	return price.IsPositive() && price.IsInteger()
}
