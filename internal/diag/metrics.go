package diag

import (
	"context"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// Metrics is the dashboard-polling payload: progress, throughput and
// ETA. IsEstimated is first-class; consumers must not present estimated
// totals as exact.
type Metrics struct {
	AccountID   string           `json:"accountId"`
	Status      store.SyncStatus `json:"status"`
	Progress    int              `json:"progress"`
	SyncedCount int64            `json:"syncedCount"`
	TotalCount  int64            `json:"totalCount"`
	IsEstimated bool             `json:"isEstimated"`
	RatePerMin  float64          `json:"ratePerMinute"`
	ETASeconds  int64            `json:"etaSeconds"` // -1 when unknown
}

type metricsEntry struct {
	metrics  *Metrics
	cachedAt time.Time

	// last sample kept past expiry so the next recompute has a delta
	// to derive throughput from
	sampleCount int64
	sampleAt    time.Time
}

// MetricsCache is a per-process TTL cache over metrics computation.
// The clock is injected so expiry is deterministic in tests; there is
// no package-level singleton.
type MetricsCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*metricsEntry
}

// NewMetricsCache builds a cache with the given TTL and clock.
func NewMetricsCache(ttl time.Duration, now func() time.Time) *MetricsCache {
	if now == nil {
		now = time.Now
	}
	return &MetricsCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*metricsEntry),
	}
}

// Metrics returns the cached snapshot when fresh, otherwise recomputes
// from the account row and the previous sample.
func (c *MetricsCache) Metrics(ctx context.Context, st *store.Store, accountID string) (*Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := c.entries[accountID]
	if entry != nil && entry.metrics != nil && now.Sub(entry.cachedAt) < c.ttl {
		return entry.metrics, nil
	}

	account, err := st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		AccountID:   account.ID,
		Status:      account.Status,
		Progress:    account.Progress,
		SyncedCount: account.SyncedCount,
		TotalCount:  account.TotalCount,
		IsEstimated: account.TotalEstimated,
		ETASeconds:  -1,
	}

	if entry != nil && now.After(entry.sampleAt) {
		elapsed := now.Sub(entry.sampleAt).Minutes()
		delta := account.SyncedCount - entry.sampleCount
		if elapsed > 0 && delta > 0 {
			m.RatePerMin = float64(delta) / elapsed
			if remaining := account.TotalCount - account.SyncedCount; remaining > 0 {
				m.ETASeconds = int64(float64(remaining) / m.RatePerMin * 60)
			}
		}
	}

	c.entries[accountID] = &metricsEntry{
		metrics:     m,
		cachedAt:    now,
		sampleCount: account.SyncedCount,
		sampleAt:    now,
	}
	return m, nil
}
