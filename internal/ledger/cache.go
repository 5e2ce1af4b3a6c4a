package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cardpilot.io/notifier/internal/pkg/cache"
)

const rollupNamespace = "metrics_rollup"

var errCacheMiss = errors.New("rollup not cached")

// ReportCache stores computed reports in Redis as JSON.
type ReportCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewReportCache creates a cache whose entries live for ttl.
func NewReportCache(c *cache.Cache, ttl time.Duration) *ReportCache {
	return &ReportCache{cache: c, ttl: ttl}
}

func (c *ReportCache) Get(ctx context.Context, f MetricsFilter) (*Report, error) {
	raw, err := c.cache.Get(ctx, rollupNamespace, f.Key())
	if errors.Is(err, cache.ErrMiss) {
		return nil, errCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *ReportCache) Put(ctx context.Context, r *Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, rollupNamespace, r.Filter.Key(), raw, c.ttl)
}
