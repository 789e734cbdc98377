package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"nftmarket/internal/log"
	"nftmarket/internal/market"
	"nftmarket/internal/wal"

	"go.uber.org/zap"
)

// MemoryStore keeps the ledger in memory. With a journal attached, every
// change is synced to the WAL before it is applied and replayed on open.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[int64]market.Item
	feeRate  *uint64
	balances map[market.Address]market.Amount
	events   []market.Event
	journal  *wal.WAL
	logger   *log.Logger
}

// NewMemoryStore replays journal (which may be nil) into a fresh store.
func NewMemoryStore(journal *wal.WAL, logger *log.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &MemoryStore{
		items:    make(map[int64]market.Item),
		balances: make(map[market.Address]market.Amount),
		journal:  journal,
		logger:   logger,
	}
	if journal == nil {
		return s, nil
	}
	replayed := 0
	err := journal.Replay(func(raw json.RawMessage) error {
		var c market.Change
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode journal record %d: %w", replayed+1, err)
		}
		s.apply(c)
		replayed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	logger.Info("Journal replayed",
		zap.Int("changes", replayed),
		zap.Int("items", len(s.items)),
		zap.Int64("journal_bytes", journal.Size()))
	return s, nil
}

func (s *MemoryStore) Load(_ context.Context) (market.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := market.Snapshot{Items: make([]market.Item, 0, len(s.items))}
	for _, it := range s.items {
		snap.Items = append(snap.Items, it)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })
	if s.feeRate != nil {
		rate := *s.feeRate
		snap.FeeRate = &rate
	}
	return snap, nil
}

// Commit journals c and then applies it.
func (s *MemoryStore) Commit(ctx context.Context, c market.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		if err := s.journal.Append(c); err != nil {
			s.logger.Error("Failed to journal change", zap.Error(err), zap.Int64("event_id", c.Event.ID))
			return fmt.Errorf("journal change: %w", err)
		}
	}
	s.apply(c)
	return nil
}

func (s *MemoryStore) apply(c market.Change) {
	if c.Item != nil {
		s.items[c.Item.ID] = *c.Item
	}
	if c.FeeRate != nil {
		rate := *c.FeeRate
		s.feeRate = &rate
	}
	for _, cr := range c.Credits {
		s.balances[cr.Account] = s.balances[cr.Account].Add(cr.Amount)
	}
	s.events = append(s.events, c.Event)
}

// Balance is the total credited to account by settlements.
func (s *MemoryStore) Balance(_ context.Context, account market.Address) (market.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

// Events returns up to limit committed events with an id greater than afterID.
func (s *MemoryStore) Events(_ context.Context, afterID int64, limit int) ([]market.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > afterID })
	end := min(idx+max(limit, 0), len(s.events))
	out := make([]market.Event, end-idx)
	copy(out, s.events[idx:end])
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
