package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// newTestEngine opens a migrated and seeded temp database.
func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.SeedDefaults(ctx, db))
	return NewEngine(db, nil), ctx
}

func categoryID(t *testing.T, e *Engine, name string) int64 {
	t.Helper()
	names, err := repository.NewCategoryRepo(e.DB).Names(context.Background())
	require.NoError(t, err)
	for id, n := range names {
		if n == name {
			return id
		}
	}
	t.Fatalf("category %q not seeded", name)
	return 0
}

func accountID(t *testing.T, e *Engine, name string) int64 {
	t.Helper()
	id, err := repository.NewAccountRepo(e.DB).Ensure(context.Background(), name)
	require.NoError(t, err)
	return id
}

func insertTxn(t *testing.T, e *Engine, txn repository.Transaction) int64 {
	t.Helper()
	if txn.Date == "" {
		txn.Date = "2026-01-15"
	}
	id, err := repository.NewTransactionRepo(e.DB).Insert(context.Background(), txn)
	require.NoError(t, err)
	return id
}

func getTxn(t *testing.T, e *Engine, id int64) repository.Transaction {
	t.Helper()
	txn, err := repository.NewTransactionRepo(e.DB).Get(context.Background(), id)
	require.NoError(t, err)
	return txn
}

// insertRawRule bypasses validation, standing in for rows written by older versions.
func insertRawRule(t *testing.T, e *Engine, raw rules.RawRule) int64 {
	t.Helper()
	if raw.Source == "" {
		raw.Source = rules.SourceManual
	}
	id, err := repository.NewRuleRepo(e.DB).Insert(context.Background(), raw)
	require.NoError(t, err)
	return id
}

func descInput(value string, category int64, priority int) RuleInput {
	return RuleInput{
		Name:       value,
		Priority:   priority,
		Conditions: rules.Conditions{Description: &rules.TextCondition{Value: value}},
		Actions:    rules.Actions{SetCategoryID: &category},
	}
}

func ptr[T any](v T) *T { return &v }
