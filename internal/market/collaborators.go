package market

import (
	"context"
	"time"
)

// Registry is the asset registry that holds custody of every token.
type Registry interface {
	// Update runs fn against a staged view of the registry. Changes made
	// through tx become visible only when fn returns nil; other readers wait
	// until Update returns. fn must not call back into the Registry.
	Update(ctx context.Context, fn func(tx RegistryTx) error) error
}

// RegistryTx is a staged registry view. Reads see the tx's own writes.
type RegistryTx interface {
	Mint(collection string, to Address, metadata string) (AssetRef, error)
	Transfer(ref AssetRef, from, to Address) error
	IsAuthorized(caller Address, ref AssetRef) bool
	CollectionOwner(collection string) (Address, error)
}

// Snapshot is the durable ledger state a Ledger hands back on load.
type Snapshot struct {
	Items []Item
	// FeeRate is nil when no fee rate has ever been committed.
	FeeRate *uint64
}

// Change is one atomic unit of ledger mutation. Stores must apply the item
// row, fee rate, credits and event together or not at all.
type Change struct {
	Item    *Item    `json:"item,omitempty"`
	FeeRate *uint64  `json:"fee_rate,omitempty"`
	Credits []Credit `json:"credits,omitempty"`
	Event   Event    `json:"event"`
}

// Ledger persists committed changes.
type Ledger interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, c Change) error
}

// EventSink receives events after their change has been committed.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	Generate() int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }
