package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func descRule(t *testing.T, value string, op Operator, sem Semantics) *CompiledRule {
	t.Helper()
	return Compile(RawRule{
		ID:         1,
		IsEnabled:  true,
		Conditions: mustJSON(t, Conditions{Description: &TextCondition{Value: value, Operator: op, MatchSemantics: sem}}),
		Actions:    mustJSON(t, Actions{SetCategoryID: int64p(1)}),
	})
}

func TestMatchTokenDefault(t *testing.T) {
	t.Parallel()

	cases := []struct {
		needle string
		hay    string
		want   bool
	}{
		{"CAR", "CARGO EXPRESS", false},
		{"CAR", "HERTZ CAR RENTAL", true},
		{"car", "hertz car-rental", true},
		{"COSTCO", "COSTCO GAS #123", true},
		{"COSTCOGAS", "COSTCO GAS #123", true},
		{"COSTCOGAS", "XCOSTCO GAS 123", false},
		{"COSTCO GAS", "COSTCOGAS 123", true},
		{"UBER EATS", "UBEREATS SYDNEY", true},
		{"UB ER", "UBER", false},
		{"NETFLIX", "NETFLIXCOM", false},
		{"NETFLIX", "NETFLIX COM", true},
	}
	for _, tc := range cases {
		r := descRule(t, tc.needle, OpContains, "")
		require.Equal(t, tc.want, r.Matches(&Transaction{Description: tc.hay}), "%q in %q", tc.needle, tc.hay)
	}
}

func TestMatchSubstringExplicit(t *testing.T) {
	t.Parallel()

	r := descRule(t, "CAR", OpContains, SemanticsSubstringExplicit)
	require.True(t, r.Matches(&Transaction{Description: "CARGO EXPRESS"}))
}

func TestMatchOperators(t *testing.T) {
	t.Parallel()

	require.True(t, descRule(t, "aldi", OpEquals, "").Matches(&Transaction{Description: "ALDI"}))
	require.False(t, descRule(t, "aldi", OpEquals, "").Matches(&Transaction{Description: "ALDI 123"}))
	require.True(t, descRule(t, "aldi", OpStartsWith, "").Matches(&Transaction{Description: "Aldi Stores"}))
	require.False(t, descRule(t, "stores", OpStartsWith, "").Matches(&Transaction{Description: "Aldi Stores"}))
	require.True(t, descRule(t, `^uber\s+\*trip`, OpRegex, "").Matches(&Transaction{Description: "UBER *TRIP HELP"}))
}

func TestMatchCaseSensitive(t *testing.T) {
	t.Parallel()

	raw := func(value string, op Operator) *CompiledRule {
		return Compile(RawRule{
			ID:         1,
			IsEnabled:  true,
			Conditions: mustJSON(t, Conditions{Description: &TextCondition{Value: value, Operator: op, CaseSensitive: true}}),
			Actions:    mustJSON(t, Actions{SetCategoryID: int64p(1)}),
		})
	}
	require.True(t, raw("Uber", OpContains).Matches(&Transaction{Description: "Uber trip"}))
	require.False(t, raw("Uber", OpContains).Matches(&Transaction{Description: "UBER trip"}))
	require.False(t, raw("uber", OpRegex).Matches(&Transaction{Description: "UBER"}))

	// Token semantics hold with case sensitivity too.
	require.False(t, raw("CAR", OpContains).Matches(&Transaction{Description: "CARGO SHIP"}))
	require.True(t, raw("CAR", OpContains).Matches(&Transaction{Description: "RENTAL CAR, SFO"}))
	require.False(t, raw("CAR", OpContains).Matches(&Transaction{Description: "rental car"}))
	require.True(t, raw("Acme Payroll", OpContains).Matches(&Transaction{Description: "ACH AcmePayroll 0315"}))
	require.False(t, raw("Acme Payroll", OpContains).Matches(&Transaction{Description: "ACH ACMEPAYROLL 0315"}))

	explicit := Compile(RawRule{
		ID:        2,
		IsEnabled: true,
		Conditions: mustJSON(t, Conditions{Description: &TextCondition{
			Value: "CAR", CaseSensitive: true, MatchSemantics: SemanticsSubstringExplicit,
		}}),
		Actions: mustJSON(t, Actions{SetCategoryID: int64p(1)}),
	})
	require.True(t, explicit.Matches(&Transaction{Description: "CARGO SHIP"}))
}

func TestMatchInvalidRegexNeverMatches(t *testing.T) {
	t.Parallel()

	bad := descRule(t, "([a-z", OpRegex, "")
	require.False(t, bad.Matches(&Transaction{Description: "([a-z"}))
	require.Contains(t, bad.Problems, "description: "+ReasonInvalidRegex)

	long := make([]byte, DefaultRegexMaxLen+1)
	for i := range long {
		long[i] = 'a'
	}
	tooLong := descRule(t, string(long), OpRegex, "")
	require.False(t, tooLong.Matches(&Transaction{Description: string(long)}))

	var verr *ValidationError
	require.ErrorAs(t, Validate(tooLong, nil), &verr)
	require.Equal(t, ReasonRegexTooLong, verr.Reason)
}

func TestMatchEmptyNeedle(t *testing.T) {
	t.Parallel()

	r := descRule(t, "***", OpContains, "")
	require.False(t, r.Matches(&Transaction{Description: "***"}))
}

func TestMatchAmountSignAccountDate(t *testing.T) {
	t.Parallel()

	r := Compile(RawRule{
		ID:        1,
		IsEnabled: true,
		Conditions: mustJSON(t, Conditions{
			Amount:     &AmountCondition{Min: floatp(10), Max: floatp(20)},
			AmountSign: SignExpense,
			AccountIDs: []int64{7},
			DateRange:  &DateRange{From: "2025-01-01", To: "2025-01-31"},
		}),
		Actions: mustJSON(t, Actions{SetCategoryID: int64p(1)}),
	})
	base := Transaction{AccountID: 7, Date: "2025-01-31", Amount: -15}
	require.True(t, r.Matches(&base))

	for _, mut := range []func(*Transaction){
		func(t *Transaction) { t.Amount = 15 },
		func(t *Transaction) { t.Amount = -25 },
		func(t *Transaction) { t.AccountID = 8 },
		func(t *Transaction) { t.Date = "2025-02-01" },
	} {
		tx := base.Clone()
		mut(&tx)
		require.False(t, r.Matches(&tx))
	}

	exact := Compile(RawRule{
		ID:         2,
		IsEnabled:  true,
		Conditions: mustJSON(t, Conditions{Amount: &AmountCondition{Exact: floatp(45)}, AmountSign: SignIncome}),
		Actions:    mustJSON(t, Actions{SetCategoryID: int64p(1)}),
	})
	require.True(t, exact.Matches(&Transaction{Amount: 45.000001}))
	require.False(t, exact.Matches(&Transaction{Amount: -45}))
	require.False(t, exact.Matches(&Transaction{Amount: 0}))
}
