package rules

import "encoding/json"

// LegacyTagRule is a row of the old tagging table: a contains pattern that adds one tag.
type LegacyTagRule struct {
	ID        int64
	Pattern   string
	TagName   string
	AccountID *int64
	Priority  int
}

// VirtualRule synthesizes the read-only rule a legacy tag row stands for. Its id is the
// negated row id so it can never collide with a stored rule.
func VirtualRule(tr LegacyTagRule) RawRule {
	conds := Conditions{
		Description: &TextCondition{Value: tr.Pattern, Operator: OpContains},
		AmountSign:  SignAny,
	}
	if tr.AccountID != nil {
		conds.AccountIDs = []int64{*tr.AccountID}
	}
	acts := Actions{Tags: &TagAction{Mode: TagAppend, Values: []string{tr.TagName}}}
	c, _ := json.Marshal(conds)
	a, _ := json.Marshal(acts)
	return RawRule{
		ID:         -tr.ID,
		Name:       "legacy tag: " + tr.TagName,
		Keyword:    tr.Pattern,
		MatchType:  LegacyMatchType(OpContains),
		Priority:   tr.Priority,
		IsEnabled:  true,
		Source:     SourceLegacyTag,
		Tier:       TierLegacyTag,
		Origin:     OriginImported,
		Conditions: c,
		Actions:    a,
	}
}
