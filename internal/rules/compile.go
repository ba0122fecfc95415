package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Thresholds kept configurable; see DESIGN.md for the open question on their values.
const (
	// DefaultCompactMinLen is the minimum compacted needle length for the compacted
	// substring fallback of token-default contains matching.
	DefaultCompactMinLen = 7
	// DefaultRegexMaxLen is the longest regex pattern a condition accepts.
	DefaultRegexMaxLen = 256
)

var tierRanks = map[Tier]int{
	TierManualFix:        0,
	TierProtectedCore:    1,
	TierGeneratedCurated: 2,
	TierLegacyArchived:   3,
	TierLegacyTag:        4,
}

var sourceRanks = map[Source]int{
	SourceManual:    0,
	SourceLearned:   1,
	SourceLegacyTag: 2,
}

// TierRank returns the precedence band of a tier; unknown tiers sort last.
func TierRank(t Tier) int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return len(tierRanks)
}

// SourceRank returns the tie-break rank of a source; unknown sources sort last.
func SourceRank(s Source) int {
	if r, ok := sourceRanks[s]; ok {
		return r
	}
	return len(sourceRanks)
}

// CompiledRule is the immutable, matching-ready form of a rule.
type CompiledRule struct {
	ID             int64
	Name           string
	Priority       int
	Enabled        bool
	StopProcessing bool
	Source         Source
	Tier           Tier
	Origin         Origin
	RuleSetID      *int64
	Confidence     *float64
	CreatedAt      time.Time
	// Virtual rules are synthesized from the legacy tagging table and never stored.
	Virtual bool

	Conditions Conditions
	Actions    Actions

	Specificity int
	TierRank    int
	SourceRank  int
	// HasAny is false when no sub-condition is active; such a rule never matches.
	HasAny bool
	// Problems lists conditions that were present but unusable.
	Problems []string

	description *textMatcher
	merchant    *textMatcher
	accounts    map[int64]struct{}
	badActions  bool
}

// Compiler turns raw rule rows into compiled rules.
type Compiler struct {
	CompactMinLen int
	RegexMaxLen   int
}

// DefaultCompiler uses the default thresholds.
func DefaultCompiler() Compiler {
	return Compiler{CompactMinLen: DefaultCompactMinLen, RegexMaxLen: DefaultRegexMaxLen}
}

// Compile compiles one row with the default thresholds.
func Compile(raw RawRule) *CompiledRule {
	return DefaultCompiler().Compile(raw)
}

// CompileAll compiles rows and returns them in evaluation order.
func (c Compiler) CompileAll(rows []RawRule) []*CompiledRule {
	out := make([]*CompiledRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, c.Compile(row))
	}
	Sort(out)
	return out
}

// Compile never fails: malformed stored structures are recorded in Problems and leave the
// rule unable to match.
func (c Compiler) Compile(raw RawRule) *CompiledRule {
	if c.CompactMinLen <= 0 {
		c.CompactMinLen = DefaultCompactMinLen
	}
	if c.RegexMaxLen <= 0 {
		c.RegexMaxLen = DefaultRegexMaxLen
	}

	src := raw.Source
	if src == "" {
		src = SourceManual
	}
	defaults := SourceDefaults(src)
	tier := raw.Tier
	if tier == "" {
		tier = defaults.Tier
	}
	origin := raw.Origin
	if origin == "" {
		origin = defaults.Origin
	}

	cr := &CompiledRule{
		ID:             raw.ID,
		Name:           raw.Name,
		Priority:       raw.Priority,
		Enabled:        raw.IsEnabled,
		StopProcessing: raw.StopProcessing,
		Source:         src,
		Tier:           tier,
		Origin:         origin,
		RuleSetID:      raw.RuleSetID,
		Confidence:     raw.Confidence,
		CreatedAt:      raw.CreatedAt,
		Virtual:        raw.ID < 0,
		TierRank:       TierRank(tier),
		SourceRank:     SourceRank(src),
	}

	conds, err := DecodeConditions(raw.Conditions)
	if err != nil {
		cr.Problems = append(cr.Problems, fmt.Sprintf("conditions: %v", err))
		conds = Conditions{}
	}
	acts, err := DecodeActions(raw.Actions)
	if err != nil {
		cr.Problems = append(cr.Problems, fmt.Sprintf("actions: %v", err))
		acts = Actions{}
		cr.badActions = true
	}
	cr.Conditions, cr.Actions = MergeLegacy(conds, acts, LegacyFields{
		Keyword:        raw.Keyword,
		MatchType:      raw.MatchType,
		CategoryID:     raw.CategoryID,
		MatchSemantics: raw.MatchSemantics,
	})

	cr.description = c.compileText("description", cr.Conditions.Description, &cr.Problems)
	cr.merchant = c.compileText("merchant", cr.Conditions.Merchant, &cr.Problems)
	if len(cr.Conditions.AccountIDs) > 0 {
		cr.accounts = make(map[int64]struct{}, len(cr.Conditions.AccountIDs))
		for _, id := range cr.Conditions.AccountIDs {
			cr.accounts[id] = struct{}{}
		}
	}
	cr.HasAny = hasActiveCondition(cr.Conditions)

	if raw.SpecificityScore != nil {
		cr.Specificity = *raw.SpecificityScore
	} else {
		cr.Specificity = SpecificityOf(cr.Conditions)
	}
	return cr
}

func (c Compiler) compileText(field string, tc *TextCondition, problems *[]string) *textMatcher {
	if tc == nil || strings.TrimSpace(tc.Value) == "" {
		return nil
	}
	m := &textMatcher{
		op:            tc.Operator,
		semantics:     tc.MatchSemantics,
		caseSensitive: tc.CaseSensitive,
		raw:           tc.Value,
		compactMinLen: c.CompactMinLen,
	}
	if m.op == OpRegex {
		switch {
		case len(tc.Value) > c.RegexMaxLen:
			m.invalid = true
			m.reason = ReasonRegexTooLong
		default:
			pattern := tc.Value
			if !tc.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				m.invalid = true
				m.reason = ReasonInvalidRegex
			} else {
				m.re = re
			}
		}
		if m.invalid {
			*problems = append(*problems, field+": "+m.reason)
		}
		return m
	}
	if tc.CaseSensitive {
		m.norm = words(tc.Value)
	} else {
		m.norm = Normalize(tc.Value)
	}
	m.compact = strings.ReplaceAll(m.norm, " ", "")
	m.hasSpace = strings.Contains(m.norm, " ")
	if m.norm == "" && !tc.CaseSensitive {
		m.invalid = true
		m.reason = "empty_needle"
		*problems = append(*problems, field+": empty_needle")
	}
	return m
}

func hasActiveCondition(c Conditions) bool {
	switch {
	case c.Description != nil && strings.TrimSpace(c.Description.Value) != "":
		return true
	case c.Merchant != nil && strings.TrimSpace(c.Merchant.Value) != "":
		return true
	case c.Amount != nil && (c.Amount.Exact != nil || c.Amount.Min != nil || c.Amount.Max != nil):
		return true
	case c.AmountSign == SignIncome || c.AmountSign == SignExpense:
		return true
	case len(c.AccountIDs) > 0:
		return true
	case c.DateRange != nil && (c.DateRange.From != "" || c.DateRange.To != ""):
		return true
	}
	return false
}

// SpecificityOf scores how narrow a condition block is. Higher is narrower.
func SpecificityOf(c Conditions) int {
	score := 0
	best := 0
	for _, tc := range []*TextCondition{c.Description, c.Merchant} {
		if tc == nil || strings.TrimSpace(tc.Value) == "" {
			continue
		}
		base := operatorWeight(tc.Operator)
		if tc.Operator != OpRegex {
			n := len(Compact(tc.Value))
			if n > 30 {
				n = 30
			}
			base += n / 3
		}
		if base > best {
			best = base
		}
	}
	score += best
	if c.Merchant != nil && strings.TrimSpace(c.Merchant.Value) != "" {
		score += 15
	}
	if c.Amount != nil {
		switch {
		case c.Amount.Exact != nil:
			score += 15
		case c.Amount.Min != nil || c.Amount.Max != nil:
			score += 10
		}
	}
	if c.AmountSign == SignIncome || c.AmountSign == SignExpense {
		score += 5
	}
	if len(c.AccountIDs) > 0 {
		score += 10
	}
	if c.DateRange != nil && (c.DateRange.From != "" || c.DateRange.To != "") {
		score += 5
	}
	return score
}

func operatorWeight(op Operator) int {
	switch op {
	case OpEquals:
		return 40
	case OpStartsWith:
		return 30
	case OpRegex:
		return 20
	default:
		return 10
	}
}
