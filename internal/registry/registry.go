// Package registry is an in-process asset registry. It tracks collections,
// token ownership and operator approvals, and serves as the custody
// collaborator of the marketplace engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nftmarket/internal/log"
	"nftmarket/internal/market"

	"go.uber.org/zap"
)

var (
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrUnknownToken       = errors.New("unknown token")
	ErrNotTokenOwner      = errors.New("sender does not own token")
	ErrNotCollectionOwner = errors.New("caller does not own collection")
)

type collection struct {
	owner  market.Address
	nextID uint64
}

type token struct {
	owner    market.Address
	metadata string
}

// Token is the public view of one registered token.
type Token struct {
	Ref      market.AssetRef `json:"asset"`
	Owner    market.Address  `json:"owner"`
	Metadata string          `json:"metadata,omitempty"`
}

// Registry is safe for concurrent use. Operator is the address allowed to
// move tokens on an owner's behalf once that owner has approved it.
type Registry struct {
	mu          sync.RWMutex
	operator    market.Address
	collections map[string]*collection
	tokens      map[market.AssetRef]*token
	approvals   map[market.Address]map[market.Address]bool
	logger      *log.Logger
}

func New(operator market.Address, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		operator:    operator,
		collections: make(map[string]*collection),
		tokens:      make(map[market.AssetRef]*token),
		approvals:   make(map[market.Address]map[market.Address]bool),
		logger:      logger,
	}
}

// CreateCollection registers a collection whose owner receives listing fees.
func (r *Registry) CreateCollection(_ context.Context, name string, owner market.Address) error {
	if name == "" || owner == "" {
		return fmt.Errorf("collection name and owner are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collections[name]; ok {
		return fmt.Errorf("create collection %q: %w", name, ErrCollectionExists)
	}
	r.collections[name] = &collection{owner: owner, nextID: 1}
	r.logger.Info("Collection created", zap.String("collection", name), zap.String("owner", string(owner)))
	return nil
}

// TransferCollection hands administrative ownership of a collection to
// newOwner. Only the current owner may do this.
func (r *Registry) TransferCollection(_ context.Context, name string, caller, newOwner market.Address) error {
	if newOwner == "" {
		return fmt.Errorf("new collection owner is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[name]
	if !ok {
		return fmt.Errorf("transfer collection %q: %w", name, ErrUnknownCollection)
	}
	if c.owner != caller {
		return fmt.Errorf("transfer collection %q: %w", name, ErrNotCollectionOwner)
	}
	c.owner = newOwner
	r.logger.Info("Collection ownership transferred",
		zap.String("collection", name), zap.String("from", string(caller)), zap.String("to", string(newOwner)))
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of owner's tokens.
func (r *Registry) SetApprovalForAll(_ context.Context, owner, operator market.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops, ok := r.approvals[owner]
	if !ok {
		ops = make(map[market.Address]bool)
		r.approvals[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
	r.logger.Debug("Operator approval set",
		zap.String("owner", string(owner)), zap.String("operator", string(operator)), zap.Bool("approved", approved))
}

// Update runs fn against a staged view under the write lock and applies the
// staged changes only when fn returns nil.
func (r *Registry) Update(ctx context.Context, fn func(tx market.RegistryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &stagedTx{
		r:      r,
		tokens: make(map[market.AssetRef]token),
		next:   make(map[string]uint64),
		minted: make(map[market.AssetRef]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// Mint registers a new token in collection name, owned by to.
func (r *Registry) Mint(ctx context.Context, name string, to market.Address, metadata string) (ref market.AssetRef, err error) {
	err = r.Update(ctx, func(tx market.RegistryTx) error {
		ref, err = tx.Mint(name, to, metadata)
		return err
	})
	return ref, err
}

// Transfer moves ref from one holder to another. from must be the current owner.
func (r *Registry) Transfer(ctx context.Context, ref market.AssetRef, from, to market.Address) error {
	return r.Update(ctx, func(tx market.RegistryTx) error {
		return tx.Transfer(ref, from, to)
	})
}

// IsAuthorized reports whether the operator may move ref on caller's behalf.
func (r *Registry) IsAuthorized(_ context.Context, caller market.Address, ref market.AssetRef) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[ref]
	if !ok {
		return false, nil
	}
	return t.owner == caller && r.approvals[caller][r.operator], nil
}

func (r *Registry) CollectionOwner(_ context.Context, name string) (market.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	if !ok {
		return "", fmt.Errorf("lookup %q: %w", name, ErrUnknownCollection)
	}
	return c.owner, nil
}

func (r *Registry) Token(_ context.Context, ref market.AssetRef) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[ref]
	if !ok {
		return Token{}, fmt.Errorf("lookup %s: %w", ref, ErrUnknownToken)
	}
	return Token{Ref: ref, Owner: t.owner, Metadata: t.metadata}, nil
}

// RestoreCustody rebuilds token custody and collection ownership from ledger
// items, which must be in id order. Active items sit with the operator, sold
// ones with their buyer and delisted ones with their seller. A collection's
// owner is the fee recipient of its most recent listing.
func (r *Registry) RestoreCustody(items []market.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		holder := r.operator
		switch it.Status {
		case market.StatusSold:
			if it.Buyer != nil {
				holder = *it.Buyer
			}
		case market.StatusDelisted:
			holder = it.Seller
		}
		c, ok := r.collections[it.Asset.Collection]
		if !ok {
			c = &collection{nextID: 1}
			r.collections[it.Asset.Collection] = c
		}
		c.owner = it.FeeRecipient
		if it.Asset.TokenID >= c.nextID {
			c.nextID = it.Asset.TokenID + 1
		}
		t, ok := r.tokens[it.Asset]
		if !ok {
			t = &token{}
			r.tokens[it.Asset] = t
		}
		t.owner = holder
	}
	r.logger.Info("Custody restored", zap.Int("items", len(items)), zap.Int("collections", len(r.collections)))
}

// stagedTx buffers token writes and id allocation for one Update. Callers
// already hold the registry write lock.
type stagedTx struct {
	r      *Registry
	tokens map[market.AssetRef]token
	next   map[string]uint64
	minted map[market.AssetRef]bool
}

func (tx *stagedTx) lookup(ref market.AssetRef) (token, bool) {
	if t, ok := tx.tokens[ref]; ok {
		return t, true
	}
	if t, ok := tx.r.tokens[ref]; ok {
		return *t, true
	}
	return token{}, false
}

func (tx *stagedTx) Mint(name string, to market.Address, metadata string) (market.AssetRef, error) {
	c, ok := tx.r.collections[name]
	if !ok {
		return market.AssetRef{}, fmt.Errorf("mint in %q: %w", name, ErrUnknownCollection)
	}
	next, ok := tx.next[name]
	if !ok {
		next = c.nextID
	}
	ref := market.AssetRef{Collection: name, TokenID: next}
	tx.next[name] = next + 1
	tx.tokens[ref] = token{owner: to, metadata: metadata}
	tx.minted[ref] = true
	return ref, nil
}

func (tx *stagedTx) Transfer(ref market.AssetRef, from, to market.Address) error {
	t, ok := tx.lookup(ref)
	if !ok {
		return fmt.Errorf("transfer %s: %w", ref, ErrUnknownToken)
	}
	if t.owner != from {
		return fmt.Errorf("transfer %s from %s: %w", ref, from, ErrNotTokenOwner)
	}
	t.owner = to
	tx.tokens[ref] = t
	return nil
}

func (tx *stagedTx) IsAuthorized(caller market.Address, ref market.AssetRef) bool {
	t, ok := tx.lookup(ref)
	return ok && t.owner == caller && tx.r.approvals[caller][tx.r.operator]
}

func (tx *stagedTx) CollectionOwner(name string) (market.Address, error) {
	c, ok := tx.r.collections[name]
	if !ok {
		return "", fmt.Errorf("lookup %q: %w", name, ErrUnknownCollection)
	}
	return c.owner, nil
}

func (tx *stagedTx) apply() {
	for name, next := range tx.next {
		tx.r.collections[name].nextID = next
	}
	for ref, t := range tx.tokens {
		tx.r.tokens[ref] = &t
		if tx.minted[ref] {
			tx.r.logger.Info("Token minted", zap.Stringer("asset", ref), zap.String("owner", string(t.owner)))
		} else {
			tx.r.logger.Debug("Token transferred", zap.Stringer("asset", ref), zap.String("to", string(t.owner)))
		}
	}
}
