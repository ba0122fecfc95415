package testdata

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/service"
)

func TestSeedBuildsMinableLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "demo.db")
	require.NoError(t, database.RunMigrations(path))
	db, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.SeedDefaults(ctx, db))

	n, err := Seed(ctx, db, Options{Seed: 7})
	require.NoError(t, err)
	require.Equal(t, 200, n)

	rows, err := repository.NewTransactionRepo(db).List(ctx, repository.TransactionFilters{})
	require.NoError(t, err)
	require.Len(t, rows, 200)
	reviewed := 0
	for _, r := range rows {
		if r.IsReviewed {
			reviewed++
			require.NotNil(t, r.CategoryID)
		}
		require.Equal(t, r.Amount, math.Round(r.Amount*100)/100)
	}
	require.Greater(t, reviewed, 120)
	require.Less(t, reviewed, 200)

	res, err := (&service.Miner{Engine: service.NewEngine(db, nil)}).Mine(ctx, service.DefaultMinerOptions())
	require.NoError(t, err)
	require.NotEmpty(t, res.Suggestions)
}

func TestAmountStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		v := amount(rng, -90, -40)
		require.GreaterOrEqual(t, v, -90.0)
		require.LessOrEqual(t, v, -40.0)
	}
	require.Equal(t, -15.99, amount(rng, -15.99, -15.99))
}
