package events

import (
	"context"
	"fmt"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"

	"go.uber.org/zap"
)

// Source reads committed events in id order.
type Source interface {
	Events(ctx context.Context, afterID int64, limit int) ([]market.Event, error)
}

// Publisher ships events downstream and remembers how far it got.
type Publisher interface {
	Publish(ctx context.Context, events []market.Event) error
	Cursor(ctx context.Context) (int64, error)
}

// Relay forwards the store's event journal to a Publisher. It wakes on every
// emitted event and on a timer, so events whose publish failed are retried
// from the journal on the next pass.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
	wake      chan struct{}
	logger    *log.Logger
}

func NewRelay(source Source, publisher Publisher, interval time.Duration, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: 100,
		wake:      make(chan struct{}, 1),
		logger:    logger,
	}
}

// Emit schedules a relay pass. It never blocks.
func (r *Relay) Emit(context.Context, market.Event) error {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Relay shutting down, performing final pass...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Drain(shutdownCtx); err != nil {
				r.logger.Error("Final relay pass failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if _, err := r.Drain(ctx); err != nil {
			r.logger.Error("Relay pass failed", zap.Error(err))
		}
	}
}

// Drain publishes everything after the publisher's cursor and returns how
// many events were sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	cursor, err := r.publisher.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("read relay cursor: %w", err)
	}
	sent := 0
	for {
		batch, err := r.source.Events(ctx, cursor, r.batchSize)
		if err != nil {
			return sent, fmt.Errorf("read events after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return sent, nil
		}
		if err := r.publisher.Publish(ctx, batch); err != nil {
			return sent, err
		}
		sent += len(batch)
		cursor = batch[len(batch)-1].ID
		r.logger.Debug("Relayed events", zap.Int("count", len(batch)), zap.Int64("cursor", cursor))
		if len(batch) < r.batchSize {
			return sent, nil
		}
	}
}
