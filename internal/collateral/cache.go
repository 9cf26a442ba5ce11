package collateral

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

// BalanceSource answers balance queries. *Manager is the primary source.
type BalanceSource interface {
	Balances(ctx context.Context, p party.ID) (model.Balances, error)
}

// CachedBalances wraps a BalanceSource with a Redis read-through cache.
// Balances are server-derived snapshots, so a short TTL bounds staleness;
// lock operations do not write through, they invalidate.
type CachedBalances struct {
	source BalanceSource
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCachedBalances creates a cached balance source.
func NewCachedBalances(source BalanceSource, rdb *redis.Client, ttl time.Duration) *CachedBalances {
	return &CachedBalances{source: source, rdb: rdb, ttl: ttl}
}

// Balances checks Redis first, falling back to the source on a miss.
func (c *CachedBalances) Balances(ctx context.Context, p party.ID) (model.Balances, error) {
	data, err := c.rdb.Get(ctx, balancesKey(p)).Bytes()
	if err == nil {
		var b model.Balances
		if json.Unmarshal(data, &b) == nil {
			return b, nil
		}
	}

	b, err := c.source.Balances(ctx, p)
	if err != nil {
		return model.Balances{}, err
	}

	if data, err := json.Marshal(b); err == nil {
		c.rdb.Set(ctx, balancesKey(p), data, c.ttl)
	}
	return b, nil
}

// Invalidate drops a party's cached snapshot; the lifecycle handlers call
// this after an operation moves the party's holdings.
func (c *CachedBalances) Invalidate(ctx context.Context, p party.ID) {
	c.rdb.Del(ctx, balancesKey(p))
}

func balancesKey(p party.ID) string { return "balances:" + p.String() }
