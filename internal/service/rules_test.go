package service

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

func TestCreateValidatesAndDedupes(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	shopping := categoryID(t, e, "Shopping")

	id, err := svc.Create(ctx, descInput("COSTCO", shopping, 10))
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rules.TierManualFix, got.Tier)
	require.Equal(t, rules.SemanticsTokenDefault, got.Conditions.Description.MatchSemantics)

	raw, err := repository.NewRuleRepo(e.DB).Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "COSTCO", raw.Keyword)
	require.Equal(t, "contains", raw.MatchType)
	require.Equal(t, shopping, *raw.CategoryID)

	// Same structure, different name and priority.
	dup := descInput("costco", shopping, 99)
	dup.Name = "another name"
	_, err = svc.Create(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateRule)

	_, err = svc.Create(ctx, RuleInput{Actions: rules.Actions{SetCategoryID: &shopping}})
	var verr *rules.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, rules.ReasonNoActiveCondition, verr.Reason)

	salary := categoryID(t, e, "Salary")
	_, err = svc.Create(ctx, descInput("ACME PAYROLL", salary, 0))
	require.True(t, errors.As(err, &verr))
	require.Equal(t, rules.ReasonIncomeSignRequired, verr.Reason)

	guarded := descInput("ACME PAYROLL", salary, 0)
	guarded.Conditions.AmountSign = rules.SignIncome
	_, err = svc.Create(ctx, guarded)
	require.NoError(t, err)
}

func TestCreateManyIsAtomic(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	shopping := categoryID(t, e, "Shopping")

	_, err := svc.CreateMany(ctx, []RuleInput{
		descInput("AMAZON MARKETPLACE", shopping, 0),
		{Name: "bad regex", Conditions: rules.Conditions{Description: &rules.TextCondition{Value: "(", Operator: rules.OpRegex}}, Actions: rules.Actions{SetCategoryID: &shopping}},
	})
	require.Error(t, err)

	list, err := svc.List(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, list)

	res, err := svc.CreateMany(ctx, []RuleInput{
		descInput("AMAZON MARKETPLACE", shopping, 0),
		descInput("amazon marketplace", shopping, 5),
		descInput("EBAY", shopping, 0),
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	require.Equal(t, 1, res.Duplicates)
}

func TestGuardBackfill(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	salary := categoryID(t, e, "Salary")

	id := insertRawRule(t, e, rules.RawRule{Name: "legacy payroll", Keyword: "PAYROLL", MatchType: "contains", CategoryID: &salary, IsEnabled: true})

	found, err := svc.DetectGuardViolations(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, id, found[0].RuleID)
	require.Equal(t, rules.SignAny, found[0].AmountSign)

	fixed, err := svc.RepairGuardViolations(ctx)
	require.NoError(t, err)
	require.Len(t, fixed, 1)

	found, err = svc.DetectGuardViolations(ctx)
	require.NoError(t, err)
	require.Empty(t, found)

	r, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rules.SignIncome, r.Conditions.AmountSign)
	require.Equal(t, "PAYROLL", r.Conditions.Description.Value)
	require.Equal(t, salary, *r.Actions.SetCategoryID)
}

func TestDedupeManualDisablesLosers(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	shopping := categoryID(t, e, "Shopping")

	first := insertRawRule(t, e, rules.RawRule{Name: "a", Keyword: "TARGET", CategoryID: &shopping, IsEnabled: true, Priority: 5})
	second := insertRawRule(t, e, rules.RawRule{Name: "b", Keyword: "target", CategoryID: &shopping, IsEnabled: true, Priority: 1})
	other := insertRawRule(t, e, rules.RawRule{Name: "c", Keyword: "WALMART", CategoryID: &shopping, IsEnabled: true})

	res, err := svc.DedupeManual(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Groups)
	require.Equal(t, []int64{second}, res.Disabled)

	for id, enabled := range map[int64]bool{first: true, second: false, other: true} {
		r, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, enabled, r.Enabled, "rule %d", id)
	}

	res, err = svc.DedupeManual(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Groups)
}

func TestArchiveRestorePurge(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	shopping := categoryID(t, e, "Shopping")

	learned := descInput("BEST BUY STORE 12", shopping, 0)
	learned.Source = rules.SourceLearned
	learned.Confidence = ptr(0.8)
	_, err := svc.Create(ctx, learned)
	require.NoError(t, err)
	manualID, err := svc.Create(ctx, descInput("TARGET", shopping, 0))
	require.NoError(t, err)

	arch, err := svc.ArchiveLearned(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, arch.Archived)
	require.NotEmpty(t, arch.BatchID)

	list, err := svc.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, manualID, list[0].ID)

	entries, err := repository.NewRuleArchiveRepo(e.DB).List(ctx, arch.BatchID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].RowJSON), &row))
	require.Equal(t, "learned", row["source"])

	restored, err := svc.RestoreArchive(ctx, arch.BatchID)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	r, err := svc.Get(ctx, restored[0])
	require.NoError(t, err)
	require.Equal(t, rules.SourceLearned, r.Source)
	require.InDelta(t, 0.8, *r.Confidence, 1e-9)

	arch, err = svc.ArchiveLearned(ctx, nil)
	require.NoError(t, err)
	n, err := svc.PurgeArchive(ctx, arch.BatchID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, err = svc.RestoreArchive(ctx, arch.BatchID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExportImportRoundTripsSignatures(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	sets := &RuleSets{Engine: e}
	shopping := categoryID(t, e, "Shopping")
	fuel := categoryID(t, e, "Fuel")

	_, err := svc.Create(ctx, descInput("COSTCO", shopping, 10))
	require.NoError(t, err)
	_, err = svc.Create(ctx, RuleInput{
		Name:     "costco gas",
		Priority: 20,
		Conditions: rules.Conditions{
			Merchant:   &rules.TextCondition{Value: "Costco Gas", Operator: rules.OpEquals},
			Amount:     &rules.AmountCondition{Min: ptr(10.0), Max: ptr(120.5)},
			AmountSign: rules.SignExpense,
			AccountIDs: []int64{accountID(t, e, "Visa")},
		},
		Actions: rules.Actions{
			SetCategoryID: &fuel,
			Tags:          &rules.TagAction{Mode: rules.TagAppend, Values: []string{"car", "fuel"}},
		},
		StopProcessing: true,
	})
	require.NoError(t, err)
	insertRawRule(t, e, rules.RawRule{Name: "legacy", Keyword: "SHELL", MatchType: "starts_with", CategoryID: &fuel, IsEnabled: false})

	original, err := svc.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, original, 3)
	want := map[string]bool{}
	for _, r := range original {
		want[rules.Signature(r)] = true
	}

	for _, format := range []Format{FormatJSON, FormatYAML} {
		data, err := svc.Export(ctx, nil, format)
		require.NoError(t, err)

		target, err := sets.Create(ctx, "import-"+string(format), nil)
		require.NoError(t, err)
		res, err := svc.Import(ctx, data, format, &target.ID)
		require.NoError(t, err)
		require.Len(t, res.Created, 3, string(format))

		imported, err := svc.List(ctx, &target.ID)
		require.NoError(t, err)
		got := map[string]bool{}
		for _, r := range imported {
			got[rules.Signature(r)] = true
		}
		require.Equal(t, want, got, string(format))

		again, err := svc.Import(ctx, data, format, &target.ID)
		require.NoError(t, err)
		require.Empty(t, again.Created)
		require.Equal(t, 3, again.Duplicates)
	}
}

func TestExportImportKeepsStoredSpecificity(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}
	sets := &RuleSets{Engine: e}
	groceries := categoryID(t, e, "Groceries")

	pinned := 99
	conds, err := json.Marshal(rules.Conditions{Description: &rules.TextCondition{Value: "ALDI"}})
	require.NoError(t, err)
	acts, err := json.Marshal(rules.Actions{SetCategoryID: &groceries})
	require.NoError(t, err)
	insertRawRule(t, e, rules.RawRule{
		Name: "aldi", IsEnabled: true, SpecificityScore: &pinned, Conditions: conds, Actions: acts,
	})
	derived := rules.SpecificityOf(rules.Conditions{Description: &rules.TextCondition{Value: "ALDI", Operator: rules.OpContains}})
	require.NotEqual(t, pinned, derived)

	for _, format := range []Format{FormatJSON, FormatYAML} {
		data, err := svc.Export(ctx, nil, format)
		require.NoError(t, err)
		target, err := sets.Create(ctx, "pinned-"+string(format), nil)
		require.NoError(t, err)
		_, err = svc.Import(ctx, data, format, &target.ID)
		require.NoError(t, err)

		imported, err := svc.List(ctx, &target.ID)
		require.NoError(t, err)
		require.Len(t, imported, 1)
		require.Equal(t, pinned, imported[0].Specificity, string(format))
	}

	// Documents without the field fall back to the derived score.
	doc := []byte(`{"version":1,"rules":[{"name":"lidl","enabled":true,"source":"manual",` +
		`"conditions":{"description":{"value":"LIDL"}},"actions":{"set_category_id":` + strconv.FormatInt(groceries, 10) + `}}]}`)
	target, err := sets.Create(ctx, "derived", nil)
	require.NoError(t, err)
	_, err = svc.Import(ctx, doc, FormatJSON, &target.ID)
	require.NoError(t, err)
	imported, err := svc.List(ctx, &target.ID)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, derived, imported[0].Specificity)
}

func TestImportCountsInvalidRules(t *testing.T) {
	t.Parallel()
	e, ctx := newTestEngine(t)
	svc := &RuleService{Engine: e}

	doc := []byte(`
version: 1
rules:
  - name: empty
    enabled: true
    conditions: {}
    actions:
      set_merchant_name: Foo
  - name: ok
    enabled: true
    conditions:
      description: {value: NETFLIX}
    actions:
      set_exclude_from_totals: true
`)
	res, err := svc.Import(ctx, doc, FormatYAML, nil)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	require.Equal(t, 1, res.Invalid[rules.ReasonNoActiveCondition])

	_, err = svc.Import(ctx, []byte(`{"version": 7, "rules": []}`), FormatJSON, nil)
	require.Error(t, err)
}
