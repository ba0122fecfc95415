package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database/repository"
)

func TestCacheExpiresAndInvalidates(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	first, err := c.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)

	// Switch the active set behind the cache's back.
	sets := repository.NewRuleSetRepo(e.DB)
	next, err := sets.Create(ctx, "next", repository.RuleSetCandidate)
	require.NoError(t, err)
	require.NoError(t, sets.Deactivate(ctx))
	require.NoError(t, sets.MarkActive(ctx, next))

	got, err := c.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)
	require.Equal(t, first, got)

	now = now.Add(2 * time.Minute)
	got, err = c.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)
	require.Equal(t, next, got)

	income, err := c.IncomeCategories(ctx, e.DB)
	require.NoError(t, err)
	require.True(t, income[categoryID(t, e, "Salary")])
	require.False(t, income[categoryID(t, e, "Groceries")])

	require.NoError(t, sets.Deactivate(ctx))
	require.NoError(t, sets.MarkActive(ctx, first))
	c.Invalidate()
	got, err = c.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)
	require.Equal(t, first, got)
}

func TestNilCacheReadsThrough(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	var c *Cache
	c.Invalidate()
	id, err := c.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)
	require.Positive(t, id)
	income, err := c.IncomeCategories(ctx, e.DB)
	require.NoError(t, err)
	require.NotEmpty(t, income)
}
