package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureIgnoresMetadataAndFormatting(t *testing.T) {
	t.Parallel()

	a := Compile(RawRule{
		ID:       1,
		Name:     "one",
		Priority: 5,
		Conditions: mustJSON(t, Conditions{
			Description: &TextCondition{Value: "uber  eats!"},
			AccountIDs:  []int64{3, 1, 3},
		}),
		Actions: mustJSON(t, Actions{SetCategoryID: int64p(2), Tags: &TagAction{Values: []string{"b", "A"}}}),
	})
	b := Compile(RawRule{
		ID:       2,
		Name:     "two",
		Priority: 50,
		Source:   SourceLearned,
		Conditions: mustJSON(t, Conditions{
			Description: &TextCondition{Value: "UBER EATS", Operator: OpContains, MatchSemantics: SemanticsTokenDefault},
			AccountIDs:  []int64{1, 3},
			AmountSign:  SignAny,
		}),
		Actions: mustJSON(t, Actions{SetCategoryID: int64p(2), Tags: &TagAction{Mode: TagAppend, Values: []string{"a", "B"}}}),
	})
	require.Equal(t, Signature(a), Signature(b))
	require.Len(t, Signature(a), 64)
}

func TestSignatureDistinguishesStructure(t *testing.T) {
	t.Parallel()

	base := Conditions{Description: &TextCondition{Value: "ALDI", Operator: OpContains}}
	acts := Actions{SetCategoryID: int64p(1)}
	sig := SignatureOf(base, acts)

	exact := Conditions{Description: &TextCondition{Value: "ALDI", Operator: OpEquals}}
	require.NotEqual(t, sig, SignatureOf(exact, acts))
	require.NotEqual(t, sig, SignatureOf(base, Actions{SetCategoryID: int64p(2)}))

	signed := base
	signed.AmountSign = SignExpense
	require.NotEqual(t, sig, SignatureOf(signed, acts))

	cs := Conditions{Description: &TextCondition{Value: "Aldi", Operator: OpContains, CaseSensitive: true}}
	cs2 := Conditions{Description: &TextCondition{Value: "ALDI", Operator: OpContains, CaseSensitive: true}}
	require.NotEqual(t, SignatureOf(cs, acts), SignatureOf(cs2, acts))
}

func TestSignatureSurvivesSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	r := Compile(RawRule{
		ID:         1,
		IsEnabled:  true,
		Keyword:    "Netflix",
		MatchType:  "exact",
		CategoryID: int64p(7),
		Conditions: mustJSON(t, Conditions{Amount: &AmountCondition{Exact: floatp(15.99)}}),
	})

	c, err := json.Marshal(r.Conditions)
	require.NoError(t, err)
	a, err := json.Marshal(r.Actions)
	require.NoError(t, err)
	back := Compile(RawRule{ID: 99, IsEnabled: true, Conditions: c, Actions: a})
	require.Equal(t, Signature(r), Signature(back))
}
