package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"financehub/internal/domain"
)

// StatsCache implements domain.StatsCache over Redis, one JSON value per
// scope. Snapshots are advisory: the transaction store is authoritative and
// the reconciler refreshes these on every pass.
type StatsCache struct {
	rdb *goredis.Client
}

func NewStatsCache(client *Client) *StatsCache {
	return &StatsCache{rdb: client.Underlying()}
}

var _ domain.StatsCache = (*StatsCache)(nil)

func statsKey(scope domain.Scope) string {
	if scope.Kind == domain.ScopeGlobal {
		return "fh:stats:global"
	}
	return fmt.Sprintf("fh:stats:%s:%s", scope.Kind, scope.ID)
}

func (c *StatsCache) SaveSnapshot(ctx context.Context, scope domain.Scope, stats domain.AggregateStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats snapshot: %w", err)
	}
	return c.rdb.Set(ctx, statsKey(scope), payload, 0).Err()
}

func (c *StatsCache) GetSnapshot(ctx context.Context, scope domain.Scope) (*domain.AggregateStats, error) {
	payload, err := c.rdb.Get(ctx, statsKey(scope)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stats snapshot: %w", err)
	}

	var stats domain.AggregateStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return nil, fmt.Errorf("bad stats snapshot: %w", err)
	}
	return &stats, nil
}
