package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

func TestApplyAllResolvesByPriorityAndIsIdempotent(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	rs := &RuleService{Engine: e}
	applier := &Applier{Engine: e}
	shopping := categoryID(t, e, "Shopping")
	fuel := categoryID(t, e, "Fuel")
	acct := accountID(t, e, "Visa")

	_, err := rs.Create(ctx, descInput("COSTCO", shopping, 10))
	require.NoError(t, err)
	autoID, err := rs.Create(ctx, descInput("COSTCOGAS", fuel, 20))
	require.NoError(t, err)
	_, err = rs.Create(ctx, RuleInput{
		Name:       "warehouse tag",
		Conditions: rules.Conditions{Description: &rules.TextCondition{Value: "COSTCO"}, AmountSign: rules.SignExpense},
		Actions:    rules.Actions{Tags: &rules.TagAction{Mode: rules.TagAppend, Values: []string{"warehouse"}}},
	})
	require.NoError(t, err)

	gas := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "COSTCO GAS #123", Amount: -45})
	shop := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "COSTCO WHOLESALE 88", Amount: -120})
	other := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "CORNER CAFE", Amount: -4.5})

	dry, err := applier.ApplyAll(ctx, ApplyOptions{DryRun: true})
	require.NoError(t, err)
	require.True(t, dry.DryRun)
	require.Equal(t, 3, dry.Scanned)
	require.Equal(t, 2, dry.Updated)
	require.Nil(t, getTxn(t, e, gas).CategoryID)

	stats, err := applier.ApplyAll(ctx, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.RulesLoaded)
	require.Equal(t, 3, stats.Scanned)
	require.Equal(t, 2, stats.Matched)
	require.Equal(t, 2, stats.Updated)
	require.Equal(t, 2, stats.CategoryUpdates)
	require.Equal(t, 2, stats.TagUpdates)
	require.Len(t, stats.Transitions, 2)
	require.Len(t, stats.Samples, 2)

	g := getTxn(t, e, gas)
	require.Equal(t, fuel, *g.CategoryID)
	require.Equal(t, rules.CategorySourceRule, g.CategorySource)
	require.Equal(t, []string{"warehouse"}, g.Tags)
	for _, s := range stats.Samples {
		if s.TransactionID == gas {
			require.Equal(t, autoID, *s.WinningRuleID)
		}
	}
	require.Equal(t, shopping, *getTxn(t, e, shop).CategoryID)
	require.Nil(t, getTxn(t, e, other).CategoryID)

	again, err := applier.ApplyAll(ctx, ApplyOptions{})
	require.NoError(t, err)
	require.Zero(t, again.Updated)
	require.Empty(t, again.Transitions)
}

func TestApplyAllFiltersAndLocks(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	rs := &RuleService{Engine: e}
	applier := &Applier{Engine: e}
	shopping := categoryID(t, e, "Shopping")
	utilities := categoryID(t, e, "Utilities")
	acct := accountID(t, e, "Checking")

	_, err := rs.Create(ctx, descInput("TARGET", shopping, 0))
	require.NoError(t, err)

	transfer := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "TARGET", Amount: -10, IsTransfer: true})
	locked := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "TARGET", Amount: -11, LegacyLockCategory: true})
	categorized := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "TARGET", Amount: -12, CategoryID: &utilities})
	excluded := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "TARGET", Amount: -13, ExcludeFromTotals: true})

	stats, err := applier.ApplyAll(ctx, ApplyOptions{SkipTransfers: true, SkipExcluded: true})
	require.NoError(t, err)
	require.Equal(t, 2, stats.Scanned)
	require.Zero(t, stats.Updated)
	require.Nil(t, getTxn(t, e, transfer).CategoryID)
	require.Nil(t, getTxn(t, e, excluded).CategoryID)

	stats, err = applier.ApplyAll(ctx, ApplyOptions{Overwrite: Overwrite{Category: true}, SkipTransfers: true})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Scanned)
	require.Equal(t, 2, stats.CategoryUpdates)
	require.Nil(t, getTxn(t, e, locked).CategoryID)
	require.Equal(t, shopping, *getTxn(t, e, categorized).CategoryID)
	require.Equal(t, shopping, *getTxn(t, e, excluded).CategoryID)
}

func TestApplyAllCountsBlockedIncome(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	applier := &Applier{Engine: e}
	salary := categoryID(t, e, "Salary")
	acct := accountID(t, e, "Checking")

	insertRawRule(t, e, rules.RawRule{Name: "old payroll", Keyword: "ACME PAYROLL", CategoryID: &salary, IsEnabled: true})
	refund := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "ACME PAYROLL REVERSAL", Amount: -2000})
	pay := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "ACME PAYROLL", Amount: 2000})

	stats, err := applier.ApplyAll(ctx, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlockedIncome)
	require.Equal(t, 1, stats.CategoryUpdates)
	require.Nil(t, getTxn(t, e, refund).CategoryID)
	require.Equal(t, salary, *getTxn(t, e, pay).CategoryID)
}

func TestApplyAllUsesLegacyTagRulesOnlyForActiveSet(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	applier := &Applier{Engine: e}
	sets := &RuleSets{Engine: e}
	acct := accountID(t, e, "Checking")

	_, err := repository.NewTagRuleRepo(e.DB).Insert(ctx, rules.LegacyTagRule{Pattern: "NETFLIX", TagName: "streaming"})
	require.NoError(t, err)
	id := insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "NETFLIX.COM 8554", Amount: -15.99})

	candidate, err := sets.Create(ctx, "empty", nil)
	require.NoError(t, err)
	stats, err := applier.ApplyAll(ctx, ApplyOptions{RuleSetID: &candidate.ID})
	require.NoError(t, err)
	require.Zero(t, stats.RulesLoaded)
	require.Zero(t, stats.Updated)

	stats, err = applier.ApplyAll(ctx, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.RulesLoaded)
	require.Equal(t, 1, stats.TagUpdates)
	require.Equal(t, []string{"streaming"}, getTxn(t, e, id).Tags)
}

func TestApplyAllRollsBackOnStoreFailure(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	rs := &RuleService{Engine: e}
	applier := &Applier{Engine: e}
	shopping := categoryID(t, e, "Shopping")
	acct := accountID(t, e, "Visa")

	_, err := rs.Create(ctx, RuleInput{
		Name:       "costco",
		Conditions: rules.Conditions{Description: &rules.TextCondition{Value: "COSTCO"}},
		Actions: rules.Actions{
			SetCategoryID: &shopping,
			Tags:          &rules.TagAction{Mode: rules.TagAppend, Values: []string{"warehouse"}},
		},
	})
	require.NoError(t, err)

	first := insertTxn(t, e, repository.Transaction{AccountID: acct, Date: "2025-01-01", Description: "COSTCO WHOLESALE", Amount: -80})
	second := insertTxn(t, e, repository.Transaction{AccountID: acct, Date: "2025-01-02", Description: "COSTCO WHOLESALE", Amount: -30})

	// The first row is written inside the unit of work before the second one fails.
	_, err = e.DB.ExecContext(ctx, fmt.Sprintf(`
	CREATE TRIGGER fail_second_update BEFORE UPDATE ON transactions
	WHEN NEW.id = %d
	BEGIN SELECT RAISE(ABORT, 'store unavailable'); END`, second))
	require.NoError(t, err)

	_, err = applier.ApplyAll(ctx, ApplyOptions{})
	require.ErrorContains(t, err, "store unavailable")
	for _, id := range []int64{first, second} {
		row := getTxn(t, e, id)
		require.Nil(t, row.CategoryID)
		require.Empty(t, row.Tags)
	}

	_, err = e.DB.ExecContext(ctx, `DROP TRIGGER fail_second_update`)
	require.NoError(t, err)
	stats, err := applier.ApplyAll(ctx, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, stats.Updated)
	require.Equal(t, []string{"warehouse"}, getTxn(t, e, first).Tags)
}
