//go:build integration
// +build integration

package events

import (
	"context"
	"fmt"
	"os"
	"testing"

	"nftmarket/internal/market"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}
	addr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	return addr, func() { redisContainer.Terminate(ctx) }, nil
}

func TestRedisPublisherIntegration(t *testing.T) {
	ctx := context.Background()
	addr, cleanup, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanup()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	stream := "nftmarket:test:events"
	client.Del(ctx, stream, stream+":cursor")

	p := NewRedisPublisher(client, stream, nil)
	if cursor, err := p.Cursor(ctx); err != nil || cursor != 0 {
		t.Fatalf("expected empty cursor, got %d err %v", cursor, err)
	}

	src := sliceSource{
		{ID: 11, Kind: market.EventItemListed, ItemID: 1},
		{ID: 12, Kind: market.EventItemSold, ItemID: 1},
	}
	r := NewRelay(src, p, 0, nil)
	sent, err := r.Drain(ctx)
	if err != nil || sent != 2 {
		t.Fatalf("drain sent %d err %v", sent, err)
	}

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %s", err)
	}
	if len(entries) != 2 || entries[1].Values["kind"] != string(market.EventItemSold) {
		t.Fatalf("unexpected stream entries %+v", entries)
	}
	if cursor, _ := p.Cursor(ctx); cursor != 12 {
		t.Fatalf("expected cursor 12, got %d", cursor)
	}
}
