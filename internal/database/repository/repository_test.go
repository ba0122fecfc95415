package repository_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTransactionRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)
	acct, err := repository.NewAccountRepo(db).Ensure(ctx, "Everyday")
	require.NoError(t, err)
	again, err := repository.NewAccountRepo(db).Ensure(ctx, "Everyday")
	require.NoError(t, err)
	require.Equal(t, acct, again)

	txns := repository.NewTransactionRepo(db)
	id, err := txns.Insert(ctx, repository.Transaction{
		AccountID:          acct,
		Date:               "2025-03-01",
		Description:        "COSTCO GAS #123",
		Amount:             -45,
		Tags:               []string{"fuel", "Costco"},
		LegacyLockCategory: true,
	})
	require.NoError(t, err)

	got, err := txns.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "COSTCO GAS #123", got.Description)
	require.InDelta(t, -45.0, got.Amount, 1e-9)
	require.Nil(t, got.CategoryID)
	require.Equal(t, []string{"Costco", "fuel"}, got.Tags)
	require.True(t, got.Snapshot().CategoryLocked())
	require.False(t, got.Snapshot().TagsLocked())

	cat := int64(0)
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO categories(name) VALUES('Auto') RETURNING id`).Scan(&cat))
	got.CategoryID = &cat
	got.CategorySource = rules.CategorySourceRule
	got.Tags = []string{"fuel"}
	require.NoError(t, txns.ApplyUpdate(ctx, got, true))

	list, err := txns.List(ctx, repository.TransactionFilters{CategorizedOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, cat, *list[0].CategoryID)
	require.Equal(t, []string{"fuel"}, list[0].Tags)

	list, err = txns.List(ctx, repository.TransactionFilters{UncategorizedOnly: true})
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = txns.List(ctx, repository.TransactionFilters{ExcludedCategoryIDs: []int64{cat}})
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = txns.Get(ctx, 999)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRuleRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)
	sets := repository.NewRuleSetRepo(db)
	setID, err := sets.Create(ctx, "main", repository.RuleSetCandidate)
	require.NoError(t, err)

	conds, err := json.Marshal(rules.Conditions{Description: &rules.TextCondition{Value: "NETFLIX", Operator: rules.OpEquals}})
	require.NoError(t, err)
	conf := 0.8
	repo := repository.NewRuleRepo(db)
	id, err := repo.Insert(ctx, rules.RawRule{
		Name:       "netflix",
		Keyword:    "NETFLIX",
		MatchType:  "exact",
		Priority:   5,
		IsEnabled:  true,
		Source:     rules.SourceLearned,
		RuleSetID:  &setID,
		Confidence: &conf,
		Conditions: conds,
	})
	require.NoError(t, err)
	_, err = repo.Insert(ctx, rules.RawRule{Name: "unscoped", Keyword: "ALDI", IsEnabled: true})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rules.SourceLearned, got.Source)
	require.Equal(t, setID, *got.RuleSetID)
	require.InDelta(t, 0.8, *got.Confidence, 1e-9)
	require.JSONEq(t, string(conds), string(got.Conditions))
	require.JSONEq(t, `{}`, string(got.Actions))

	scoped, err := repo.List(ctx, repository.RuleFilter{RuleSetID: &setID})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	withUnscoped, err := repo.List(ctx, repository.RuleFilter{RuleSetID: &setID, IncludeUnscoped: true})
	require.NoError(t, err)
	require.Len(t, withUnscoped, 2)
	learned, err := repo.List(ctx, repository.RuleFilter{Sources: []rules.Source{rules.SourceLearned}})
	require.NoError(t, err)
	require.Len(t, learned, 1)

	require.NoError(t, repo.SetEnabled(ctx, id, false))
	enabled, err := repo.List(ctx, repository.RuleFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	require.NoError(t, repo.Delete(ctx, id))
	require.ErrorIs(t, repo.Delete(ctx, id), repository.ErrNotFound)
}

func TestArchiveAndLintRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)
	archive := repository.NewRuleArchiveRepo(db)
	require.NoError(t, archive.Insert(ctx, repository.ArchivedRule{BatchID: "b1", RuleID: 1, RowJSON: `{"id":1}`}))
	require.NoError(t, archive.Insert(ctx, repository.ArchivedRule{BatchID: "b2", RuleID: 2, RowJSON: `{"id":2}`}))

	b1, err := archive.List(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, b1, 1)
	n, err := archive.Purge(ctx, "b1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	all, err := archive.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)

	runs := repository.NewLintRunRepo(db)
	require.NoError(t, runs.Insert(ctx, repository.LintRun{ID: "r1", Scope: "all", Score: 90, SummaryJSON: "{}", FindingsJSON: "[]"}))
	latest, err := runs.Latest(ctx, 5)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, 90, latest[0].Score)

	tagRules := repository.NewTagRuleRepo(db)
	_, err = tagRules.Insert(ctx, rules.LegacyTagRule{Pattern: "spotify", TagName: "subs"})
	require.NoError(t, err)
	legacy, err := tagRules.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	require.Nil(t, legacy[0].AccountID)
}
