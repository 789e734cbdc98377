package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisPublisher appends events to a Redis stream. The stream and the
// relay cursor are written in one MULTI so a replay after failure never skips
// an event.
type RedisPublisher struct {
	client    *redis.Client
	stream    string
	cursorKey string
	maxLen    int64
	cb        *gobreaker.CircuitBreaker
	logger    *log.Logger
}

func NewRedisPublisher(client *redis.Client, stream string, logger *log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-publisher",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return &RedisPublisher{
		client:    client,
		stream:    stream,
		cursorKey: stream + ":cursor",
		maxLen:    100000,
		cb:        cb,
		logger:    logger,
	}
}

// Publish appends events to the stream and advances the cursor to the last one.
func (p *RedisPublisher) Publish(ctx context.Context, events []market.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := p.cb.Execute(func() (interface{}, error) {
		return p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, ev := range events {
				payload, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("marshal event %d: %w", ev.ID, err)
				}
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: p.stream,
					MaxLen: p.maxLen,
					Approx: true,
					Values: map[string]interface{}{
						"event_id": ev.ID,
						"kind":     string(ev.Kind),
						"item_id":  ev.ItemID,
						"payload":  payload,
					},
				})
			}
			pipe.Set(ctx, p.cursorKey, events[len(events)-1].ID, 0)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("publish %d events: %w", len(events), err)
	}
	return nil
}

// Cursor is the id of the last event published, or 0.
func (p *RedisPublisher) Cursor(ctx context.Context) (int64, error) {
	v, err := p.client.Get(ctx, p.cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return cursor, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
