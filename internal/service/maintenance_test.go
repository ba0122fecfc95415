package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database/repository"
)

func TestResetReseeds(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &MaintenanceService{Engine: e}
	shopping := categoryID(t, e, "Shopping")
	acct := accountID(t, e, "Visa")

	_, err := (&RuleService{Engine: e}).Create(ctx, descInput("TARGET", shopping, 0))
	require.NoError(t, err)
	insertTxn(t, e, repository.Transaction{AccountID: acct, Description: "TARGET", Amount: -1})
	_, err = (&RuleSets{Engine: e}).Create(ctx, "extra", nil)
	require.NoError(t, err)

	before, err := svc.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{Transactions: 1, Rules: 1, RuleSets: 2}, before)

	require.NoError(t, svc.Reset(ctx))
	after, err := svc.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{RuleSets: 1}, after)

	active, err := (&RuleSets{Engine: e}).Active(ctx)
	require.NoError(t, err)
	id, err := e.ActiveRuleSetID(ctx, e.DB)
	require.NoError(t, err)
	require.Equal(t, active.ID, id)
	require.NotZero(t, categoryID(t, e, "Salary"))
}
