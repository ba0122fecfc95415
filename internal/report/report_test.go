package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
	"github.com/jask/rulekit/internal/service"
)

func i64(v int64) *int64 { return &v }

func TestNamesCategory(t *testing.T) {
	names := Names{1: "Groceries"}
	require.Equal(t, "Groceries", names.Category(i64(1)))
	require.Equal(t, "#7", names.Category(i64(7)))
	require.Equal(t, "(uncategorized)", names.Category(nil))
}

func TestApplyRendersTransitionsAndSamples(t *testing.T) {
	names := Names{1: "Shopping", 2: "Fuel"}
	stats := service.ApplyStats{
		RuleSetID: 3, RulesLoaded: 2, Scanned: 10, Matched: 4, Updated: 4, CategoryUpdates: 4, DryRun: true,
		Transitions: []service.Transition{{From: nil, To: i64(2), Count: 3}},
		Samples: []service.Sample{{
			TransactionID: 42,
			Description:   "COSTCO GAS #123 A VERY LONG DESCRIPTION THAT GOES ON AND ON",
			After:         rules.Transaction{CategoryID: i64(2)},
			WinningRuleID: i64(9),
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, Apply(&buf, stats, names))
	out := buf.String()
	require.Contains(t, out, "Apply (dry run)")
	require.Contains(t, out, "Blocked income")
	require.Contains(t, out, "(uncategorized)")
	require.Contains(t, out, "Fuel")
	require.Contains(t, out, "COSTCO GAS #123")
	require.Contains(t, out, "…")
}

func TestLintShowsScoreAndFindings(t *testing.T) {
	rep := service.LintReport{
		Scope: service.ScopeAll, Score: 82, RunID: "run-1",
		Findings: []service.Finding{{Kind: service.FindingConflict, RuleIDs: []int64{1, 4}, Penalty: 8, Detail: "2 descriptions"}},
		BlastRadius: []service.BlastEntry{
			{RuleID: 1, Name: "target", Matches: 5, Ratio: 0.5},
			{RuleID: 4, Name: "walmart", Matches: 1, Ratio: 0.1},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Lint(&buf, rep, 1))
	out := buf.String()
	require.Contains(t, out, "82")
	require.Contains(t, out, "category_conflict")
	require.Contains(t, out, "1,4")
	require.Contains(t, out, "50.0%")
	require.NotContains(t, out, "walmart")

	buf.Reset()
	require.NoError(t, Lint(&buf, service.LintReport{Score: 100}, 5))
	require.Contains(t, buf.String(), "no findings")
}

func TestRuleSetsAndRules(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, RuleSets(&buf, []repository.RuleSet{
		{ID: 1, Name: "default", Status: repository.RuleSetArchived, CreatedAt: created},
		{ID: 2, Name: "v2", Status: repository.RuleSetActive, IsActive: true, CreatedAt: created},
	}))
	out := buf.String()
	require.Contains(t, out, "v2")
	require.Contains(t, out, "2026-05-01 09:30")
	require.Contains(t, out, "*")

	buf.Reset()
	require.NoError(t, Rules(&buf, []*rules.CompiledRule{{
		ID: 5, Name: "payroll", Enabled: true, Tier: rules.TierManualFix, Source: rules.SourceManual,
		Conditions: rules.Conditions{
			Description: &rules.TextCondition{Value: "ACME PAYROLL", Operator: rules.OpContains},
			AmountSign:  rules.SignIncome,
		},
		Actions: rules.Actions{SetCategoryID: i64(1)},
	}}, Names{1: "Salary"}))
	out = buf.String()
	require.Contains(t, out, `desc contains "ACME PAYROLL" income`)
	require.Contains(t, out, "Salary")
}

func TestMineAndShadow(t *testing.T) {
	names := Names{1: "Groceries", 2: "Shopping"}
	var buf bytes.Buffer
	require.NoError(t, Mine(&buf, service.MineResult{
		Population: 50, Trusted: 20,
		Suggestions: []service.Suggestion{{Key: "ACME HARDWARE", KeyKind: service.KeyMerchant, CategoryID: 1, Support: 11, GroupSize: 12, Purity: 0.9167, Confidence: 0.76, Bootstrap: true}},
		Rejected:    map[string]int{service.RejectLowPurity: 2},
	}, names))
	out := buf.String()
	require.Contains(t, out, "ACME HARDWARE")
	require.Contains(t, out, "11/12")
	require.Contains(t, out, "bootstrap")
	require.Contains(t, out, "low_purity")

	buf.Reset()
	require.NoError(t, Shadow(&buf, service.ShadowReport{
		BaselineID: 1, CandidateID: 2, Scanned: 3, CategoryDiffs: 1, AnyDiffs: 1,
		Transitions: []service.Transition{{From: i64(2), To: i64(1), Count: 1}},
	}, names))
	require.Contains(t, buf.String(), "Shadow compare")
	require.Contains(t, buf.String(), "Shopping")
}
