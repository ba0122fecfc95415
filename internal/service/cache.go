package service

import (
	"context"
	"sync"
	"time"

	"github.com/jask/rulekit/internal/database/repository"
)

// DefaultCacheTTL bounds how stale the cached lookups may get when no write invalidates them.
const DefaultCacheTTL = 30 * time.Second

// Cache holds the active rule-set id and the income category ids. Every write that can
// change either calls Invalidate.
type Cache struct {
	TTL time.Duration
	now func() time.Time

	mu       sync.Mutex
	activeID int64
	activeAt time.Time
	income   map[int64]bool
	incomeAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{TTL: ttl, now: time.Now}
}

// Invalidate drops both cached values.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeAt = time.Time{}
	c.incomeAt = time.Time{}
	c.income = nil
}

// ActiveRuleSetID returns the active set id, reading through q on a miss.
func (c *Cache) ActiveRuleSetID(ctx context.Context, q repository.DBTX) (int64, error) {
	if c != nil {
		c.mu.Lock()
		if !c.activeAt.IsZero() && c.now().Sub(c.activeAt) < c.TTL {
			id := c.activeID
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()
	}
	rs, err := repository.NewRuleSetRepo(q).Active(ctx)
	if err != nil {
		return 0, err
	}
	if c != nil {
		c.mu.Lock()
		c.activeID, c.activeAt = rs.ID, c.now()
		c.mu.Unlock()
	}
	return rs.ID, nil
}

// IncomeCategories returns the ids of income categories. Callers must not modify the map.
func (c *Cache) IncomeCategories(ctx context.Context, q repository.DBTX) (map[int64]bool, error) {
	if c != nil {
		c.mu.Lock()
		if c.income != nil && c.now().Sub(c.incomeAt) < c.TTL {
			m := c.income
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()
	}
	m, err := repository.NewCategoryRepo(q).IncomeIDs(ctx)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.mu.Lock()
		c.income, c.incomeAt = m, c.now()
		c.mu.Unlock()
	}
	return m, nil
}
