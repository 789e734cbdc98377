package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// PGStore persists the ledger in Postgres. Each Commit is one transaction
// covering the item row, config row, credits, balances and event.
type PGStore struct {
	db        *sql.DB
	logger    *log.Logger
	healthy   bool
	healthyMu sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewPGStore(dsn string, logger *log.Logger) (*PGStore, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	s := &PGStore{db: db, logger: logger, healthy: true, stop: make(chan struct{})}
	go s.monitor(10 * time.Second)
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PGStore) monitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every/2)
			err := s.db.PingContext(ctx)
			cancel()
			s.healthyMu.Lock()
			was := s.healthy
			s.healthy = err == nil
			s.healthyMu.Unlock()
			if err != nil && was {
				s.logger.Error("Database unhealthy", zap.Error(err))
			} else if err == nil && !was {
				s.logger.Info("Database healthy again")
			}
		}
	}
}

// Ping reports the last observed database health, checking live when it was bad.
func (s *PGStore) Ping(ctx context.Context) error {
	s.healthyMu.RLock()
	healthy := s.healthy
	s.healthyMu.RUnlock()
	if healthy {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *PGStore) Load(ctx context.Context) (market.Snapshot, error) {
	var snap market.Snapshot
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, collection, token_id, seller, fee_recipient, price, expires_at, buyer, status, created_at
        FROM market_items
        ORDER BY id
    `)
	if err != nil {
		return snap, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it      market.Item
			tokenID string
			buyer   sql.NullString
		)
		err := rows.Scan(&it.ID, &it.Asset.Collection, &tokenID, &it.Seller, &it.FeeRecipient,
			&it.Price, &it.ExpiresAt, &buyer, &it.Status, &it.CreatedAt)
		if err != nil {
			return snap, fmt.Errorf("scan item: %w", err)
		}
		if it.Asset.TokenID, err = strconv.ParseUint(tokenID, 10, 64); err != nil {
			return snap, fmt.Errorf("parse token id of item %d: %w", it.ID, err)
		}
		if buyer.Valid {
			b := market.Address(buyer.String)
			it.Buyer = &b
		}
		it.ExpiresAt = it.ExpiresAt.UTC()
		it.CreatedAt = it.CreatedAt.UTC()
		snap.Items = append(snap.Items, it)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate items: %w", err)
	}

	var rate int64
	err = s.db.QueryRowContext(ctx, `SELECT fee_rate_percent FROM market_config WHERE singleton`).Scan(&rate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("query config: %w", err)
	default:
		r := uint64(rate)
		snap.FeeRate = &r
	}
	return snap, nil
}

func (s *PGStore) Commit(ctx context.Context, c market.Change) error {
	payload, err := json.Marshal(c.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if it := c.Item; it != nil {
		var buyer any
		if it.Buyer != nil {
			buyer = string(*it.Buyer)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO market_items (id, collection, token_id, seller, fee_recipient, price, expires_at, buyer, status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            ON CONFLICT (id) DO UPDATE
            SET price = EXCLUDED.price,
                expires_at = EXCLUDED.expires_at,
                buyer = EXCLUDED.buyer,
                status = EXCLUDED.status,
                updated_at = NOW()
        `, it.ID, it.Asset.Collection, strconv.FormatUint(it.Asset.TokenID, 10), string(it.Seller),
			string(it.FeeRecipient), it.Price, it.ExpiresAt, buyer, string(it.Status), it.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}
	}
	if c.FeeRate != nil {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO market_config (singleton, fee_rate_percent) VALUES (TRUE, $1)
            ON CONFLICT (singleton) DO UPDATE SET fee_rate_percent = EXCLUDED.fee_rate_percent
        `, int64(*c.FeeRate))
		if err != nil {
			return fmt.Errorf("update fee rate: %w", err)
		}
	}
	for _, cr := range c.Credits {
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO credits (event_id, account, amount) VALUES ($1, $2, $3)
        `, c.Event.ID, string(cr.Account), cr.Amount); err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO balances (account, amount) VALUES ($1, $2)
            ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
        `, string(cr.Account), cr.Amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
	}
	var itemID any
	if c.Event.ItemID != 0 {
		itemID = c.Event.ItemID
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO market_events (id, kind, item_id, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)
    `, c.Event.ID, string(c.Event.Kind), itemID, payload, c.Event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PGStore) Balance(ctx context.Context, account market.Address) (market.Amount, error) {
	var amount market.Amount
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE account = $1`, string(account)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Amount{}, nil
	}
	if err != nil {
		return market.Amount{}, fmt.Errorf("query balance: %w", err)
	}
	return amount, nil
}

func (s *PGStore) Events(ctx context.Context, afterID int64, limit int) ([]market.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payload FROM market_events WHERE id > $1 ORDER BY id LIMIT $2
    `, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []market.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev market.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *PGStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}
