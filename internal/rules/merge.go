package rules

import (
	"encoding/json"
	"strings"
)

// LegacyFields is the shorthand encoding older rule rows carry next to, or instead of,
// the canonical conditions/actions structures.
type LegacyFields struct {
	Keyword        string
	MatchType      string
	CategoryID     *int64
	MatchSemantics Semantics
}

// Defaults holds the values a rule source implies when the row does not store them.
type Defaults struct {
	Tier   Tier
	Origin Origin
}

// SourceDefaults returns the derived defaults for a rule source.
func SourceDefaults(src Source) Defaults {
	switch src {
	case SourceLearned:
		return Defaults{Tier: TierGeneratedCurated, Origin: OriginGenerated}
	case SourceLegacyTag:
		return Defaults{Tier: TierLegacyTag, Origin: OriginImported}
	default:
		return Defaults{Tier: TierManualFix, Origin: OriginManualFix}
	}
}

// ParseOperator maps a legacy match_type (or a loosely written operator) to an Operator.
// Unknown values fall back to contains.
func ParseOperator(matchType string) Operator {
	switch strings.ToLower(strings.TrimSpace(matchType)) {
	case "starts_with", "startswith", "prefix":
		return OpStartsWith
	case "equals", "exact", "eq":
		return OpEquals
	case "regex", "regexp":
		return OpRegex
	default:
		return OpContains
	}
}

// LegacyMatchType is the inverse of ParseOperator, used to re-derive the shorthand columns.
func LegacyMatchType(op Operator) string {
	switch op {
	case OpStartsWith:
		return "starts_with"
	case OpEquals:
		return "exact"
	case OpRegex:
		return "regex"
	default:
		return "contains"
	}
}

func operatorForSemantics(s Semantics) (Operator, bool) {
	switch s {
	case SemanticsExact:
		return OpEquals, true
	case SemanticsStartsWith:
		return OpStartsWith, true
	case SemanticsRegexSafe:
		return OpRegex, true
	case SemanticsTokenDefault, SemanticsSubstringExplicit:
		return OpContains, true
	}
	return "", false
}

func semanticsForOperator(op Operator) Semantics {
	switch op {
	case OpEquals:
		return SemanticsExact
	case OpStartsWith:
		return SemanticsStartsWith
	case OpRegex:
		return SemanticsRegexSafe
	default:
		return SemanticsTokenDefault
	}
}

// DecodeConditions parses a serialized conditions object. Empty input is an empty block.
func DecodeConditions(raw json.RawMessage) (Conditions, error) {
	var c Conditions
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return c, nil
	}
	err := json.Unmarshal(raw, &c)
	return c, err
}

// DecodeActions parses a serialized actions object. Empty input is an empty block.
func DecodeActions(raw json.RawMessage) (Actions, error) {
	var a Actions
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return a, nil
	}
	err := json.Unmarshal(raw, &a)
	return a, err
}

// MergeLegacy fills the gaps of the canonical structures from the legacy shorthand.
// The canonical structure always wins; legacy fields are only a fallback. Steps run in
// a fixed order:
//  1. description condition from keyword/match_type
//  2. set_category_id from category_id
//  3. operator and match semantics of every text condition
func MergeLegacy(conds Conditions, acts Actions, legacy LegacyFields) (Conditions, Actions) {
	conds = cloneConditions(conds)
	acts = cloneActions(acts)

	if conds.Description == nil && strings.TrimSpace(legacy.Keyword) != "" {
		conds.Description = &TextCondition{
			Value:    legacy.Keyword,
			Operator: ParseOperator(legacy.MatchType),
		}
	}

	if acts.SetCategoryID == nil && legacy.CategoryID != nil {
		id := *legacy.CategoryID
		acts.SetCategoryID = &id
	}

	conds.Description = resolveText(conds.Description, legacy.MatchSemantics)
	conds.Merchant = resolveText(conds.Merchant, legacy.MatchSemantics)
	if conds.AmountSign == "" {
		conds.AmountSign = SignAny
	}
	return conds, acts
}

// resolveText settles operator and semantics: the condition's own values win, then the
// row-level semantics, then whatever the operator implies.
func resolveText(tc *TextCondition, rowSemantics Semantics) *TextCondition {
	if tc == nil {
		return nil
	}
	if tc.Operator == "" {
		if op, ok := operatorForSemantics(tc.MatchSemantics); ok {
			tc.Operator = op
		} else if op, ok := operatorForSemantics(rowSemantics); ok {
			tc.Operator = op
		} else {
			tc.Operator = OpContains
		}
	} else {
		tc.Operator = ParseOperator(string(tc.Operator))
	}
	if tc.MatchSemantics == "" {
		if tc.Operator == OpContains && (rowSemantics == SemanticsTokenDefault || rowSemantics == SemanticsSubstringExplicit) {
			tc.MatchSemantics = rowSemantics
		} else {
			tc.MatchSemantics = semanticsForOperator(tc.Operator)
		}
	}
	return tc
}

// DeriveLegacy recomputes the keyword/match_type shorthand from canonical conditions.
func DeriveLegacy(conds Conditions, acts Actions) LegacyFields {
	var out LegacyFields
	text := conds.Description
	if text == nil {
		text = conds.Merchant
	}
	if text != nil {
		out.Keyword = text.Value
		out.MatchType = LegacyMatchType(text.Operator)
		out.MatchSemantics = text.MatchSemantics
	}
	if acts.SetCategoryID != nil {
		id := *acts.SetCategoryID
		out.CategoryID = &id
	}
	return out
}

func cloneConditions(c Conditions) Conditions {
	out := c
	if c.Description != nil {
		d := *c.Description
		out.Description = &d
	}
	if c.Merchant != nil {
		m := *c.Merchant
		out.Merchant = &m
	}
	if c.Amount != nil {
		a := AmountCondition{Exact: cloneFloat(c.Amount.Exact), Min: cloneFloat(c.Amount.Min), Max: cloneFloat(c.Amount.Max)}
		out.Amount = &a
	}
	if c.AccountIDs != nil {
		out.AccountIDs = append([]int64(nil), c.AccountIDs...)
	}
	if c.DateRange != nil {
		d := *c.DateRange
		out.DateRange = &d
	}
	return out
}

func cloneActions(a Actions) Actions {
	out := a
	if a.SetCategoryID != nil {
		id := *a.SetCategoryID
		out.SetCategoryID = &id
	}
	if a.Tags != nil {
		t := TagAction{Mode: a.Tags.Mode, Values: append([]string(nil), a.Tags.Values...)}
		out.Tags = &t
	}
	if a.SetMerchantName != nil {
		s := *a.SetMerchantName
		out.SetMerchantName = &s
	}
	if a.SetIsIncomeOverride != nil {
		b := *a.SetIsIncomeOverride
		out.SetIsIncomeOverride = &b
	}
	if a.SetExcludeFromTotals != nil {
		b := *a.SetExcludeFromTotals
		out.SetExcludeFromTotals = &b
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
