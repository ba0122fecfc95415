package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
	"github.com/jask/rulekit/internal/service"
)

func newEngine(t *testing.T) (*service.Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	require.NoError(t, database.RunMigrations(path))
	db, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.SeedDefaults(ctx, db))
	return service.NewEngine(db, nil), ctx
}

func TestRunOnceRepairsAppliesAndLints(t *testing.T) {
	e, ctx := newEngine(t)
	cats, err := repository.NewCategoryRepo(e.DB).Names(ctx)
	require.NoError(t, err)
	var salary int64
	for id, name := range cats {
		if name == "Salary" {
			salary = id
		}
	}
	require.NotZero(t, salary)

	_, err = repository.NewRuleRepo(e.DB).Insert(ctx, rules.RawRule{
		Name: "payroll", Keyword: "PAYROLL", CategoryID: &salary, IsEnabled: true, Source: rules.SourceManual,
	})
	require.NoError(t, err)
	acct, err := repository.NewAccountRepo(e.DB).Ensure(ctx, "Checking")
	require.NoError(t, err)
	txID, err := repository.NewTransactionRepo(e.DB).Insert(ctx, repository.Transaction{
		AccountID: acct, Date: "2026-02-01", Description: "ACME PAYROLL", Amount: 1500,
	})
	require.NoError(t, err)

	sum, err := RunOnce(ctx, e, Config{ApplyUncategorized: true, Lint: service.LintOptions{Persist: true}})
	require.NoError(t, err)
	require.Equal(t, 1, sum.GuardsRepaired)
	require.NotNil(t, sum.Apply)
	require.Equal(t, 1, sum.Apply.CategoryUpdates)
	require.Zero(t, sum.Lint.Summary[service.FindingIncomeGuard])
	require.NotEmpty(t, sum.Lint.RunID)

	txn, err := repository.NewTransactionRepo(e.DB).Get(ctx, txID)
	require.NoError(t, err)
	require.Equal(t, salary, *txn.CategoryID)

	sum, err = RunOnce(ctx, e, Config{})
	require.NoError(t, err)
	require.Zero(t, sum.GuardsRepaired)
	require.Nil(t, sum.Apply)
}

func TestNewSchedulerValidates(t *testing.T) {
	e, _ := newEngine(t)

	_, err := NewScheduler(e, Config{}, nil)
	require.Error(t, err)
	_, err = NewScheduler(e, Config{Schedule: "not a schedule"}, nil)
	require.Error(t, err)

	s, err := NewScheduler(e, Config{Schedule: "0 3 * * *", TimeZone: "Nowhere/Invalid"}, nil)
	require.NoError(t, err)
	s.Start()
	next := s.Next()
	require.False(t, next.IsZero())
	require.Equal(t, 3, next.In(time.UTC).Hour())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
