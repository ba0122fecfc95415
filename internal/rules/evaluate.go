package rules

import (
	"sort"
	"strings"
)

// ReasonIncomeRequiresPositive is recorded when a rule tries to put a non-positive
// amount into an income category.
const ReasonIncomeRequiresPositive = "income_requires_positive_amount"

// Options control lock and override policy for one evaluation.
type Options struct {
	OverwriteCategory bool
	OverwriteTags     bool
	OverwriteMerchant bool
	// AllowFlagDowngrade permits true→false writes of the boolean flags.
	AllowFlagDowngrade bool
	// AllowIncomeOnNonPositive disables the income sign block.
	AllowIncomeOnNonPositive bool
	// IncomeCategories holds the ids of categories flagged is_income.
	IncomeCategories map[int64]bool
	// Preview marks evaluations whose results are never persisted.
	Preview bool
}

// MatchedRule is one entry of the matched-rule history.
type MatchedRule struct {
	RuleID   int64
	Name     string
	Position int
}

// BlockedRule records a matched rule whose category write was refused by policy.
type BlockedRule struct {
	RuleID int64
	Name   string
	Reason string
}

// Changes flags which fields differ between input and output.
type Changes struct {
	Category          bool
	Tags              bool
	Merchant          bool
	IsIncomeOverride  bool
	ExcludeFromTotals bool
}

// Any reports whether any field changed.
func (c Changes) Any() bool {
	return c.Category || c.Tags || c.Merchant || c.IsIncomeOverride || c.ExcludeFromTotals
}

// Result is the evaluated transaction plus its audit trail.
type Result struct {
	Before        Transaction
	After         Transaction
	Matched       []MatchedRule
	Blocked       []BlockedRule
	WinningRuleID *int64
	StoppedBy     *int64
	Changes       Changes
	ChangedAny    bool
}

// Evaluate folds the rules, already in evaluation order, over one transaction.
func Evaluate(txn Transaction, ordered []*CompiledRule, opts Options) Result {
	before := txn.Clone()
	after := txn.Clone()
	res := Result{Before: before}

	catLocked := before.CategoryLocked() || (!opts.OverwriteCategory && before.CategoryID != nil)
	tagsLocked := before.TagsLocked() || (!opts.OverwriteTags && len(before.Tags) > 0)
	merchantLocked := before.MerchantLocked() || (!opts.OverwriteMerchant && strings.TrimSpace(before.MerchantName) != "")
	incomeFlagWritten := false
	excludeFlagWritten := false

	var categoryWinner, firstActor *int64

	for pos, r := range ordered {
		if r == nil || !r.Enabled {
			continue
		}
		if !r.Matches(&after) {
			continue
		}
		res.Matched = append(res.Matched, MatchedRule{RuleID: r.ID, Name: r.Name, Position: pos})
		acted := false

		if target := r.Actions.SetCategoryID; target != nil && !catLocked {
			if opts.IncomeCategories[*target] && after.Amount <= 0 && !opts.AllowIncomeOnNonPositive {
				res.Blocked = append(res.Blocked, BlockedRule{RuleID: r.ID, Name: r.Name, Reason: ReasonIncomeRequiresPositive})
			} else {
				id := *target
				if after.CategoryID == nil || *after.CategoryID != id {
					acted = true
				}
				after.CategoryID = &id
				after.CategorySource = CategorySourceRule
				catLocked = true
				ruleID := r.ID
				categoryWinner = &ruleID
			}
		}

		if ta := r.Actions.Tags; ta != nil && !tagsLocked {
			next := applyTags(after.Tags, *ta)
			if !sameTagSet(after.Tags, next) {
				after.Tags = next
				acted = true
			}
		}

		if name := r.Actions.SetMerchantName; name != nil && !merchantLocked {
			if v := strings.TrimSpace(*name); v != "" {
				if after.MerchantName != v {
					acted = true
				}
				after.MerchantName = v
				merchantLocked = true
			}
		}

		if want := r.Actions.SetIsIncomeOverride; want != nil && !incomeFlagWritten {
			if next, ok := applyFlag(after.IsIncomeOverride, *want, opts.AllowFlagDowngrade); ok {
				if next != after.IsIncomeOverride {
					acted = true
				}
				// false onto false is a no-op and leaves the flag open for a later upgrade.
				if *want || after.IsIncomeOverride {
					incomeFlagWritten = true
				}
				after.IsIncomeOverride = next
			}
		}

		if want := r.Actions.SetExcludeFromTotals; want != nil && !excludeFlagWritten {
			if next, ok := applyFlag(after.ExcludeFromTotals, *want, opts.AllowFlagDowngrade); ok {
				if next != after.ExcludeFromTotals {
					acted = true
				}
				// false onto false is a no-op and leaves the flag open for a later upgrade.
				if *want || after.ExcludeFromTotals {
					excludeFlagWritten = true
				}
				after.ExcludeFromTotals = next
			}
		}

		if acted && firstActor == nil {
			ruleID := r.ID
			firstActor = &ruleID
		}
		if r.StopProcessing {
			ruleID := r.ID
			res.StoppedBy = &ruleID
			break
		}
	}

	res.After = after
	res.Changes = Changes{
		Category:          !sameCategory(before.CategoryID, after.CategoryID),
		Tags:              !sameTagSet(before.Tags, after.Tags),
		Merchant:          before.MerchantName != after.MerchantName,
		IsIncomeOverride:  before.IsIncomeOverride != after.IsIncomeOverride,
		ExcludeFromTotals: before.ExcludeFromTotals != after.ExcludeFromTotals,
	}
	res.ChangedAny = res.Changes.Any()
	switch {
	case categoryWinner != nil:
		res.WinningRuleID = categoryWinner
	case firstActor != nil:
		res.WinningRuleID = firstActor
	}
	return res
}

// applyFlag enforces upgrade-only writes unless downgrades are allowed.
func applyFlag(current, want, allowDowngrade bool) (bool, bool) {
	if want || allowDowngrade || !current {
		return want, true
	}
	return current, false
}

func applyTags(current []string, ta TagAction) []string {
	switch ta.Mode {
	case TagReplace:
		return dedupeTags(ta.Values)
	case TagRemove:
		drop := make(map[string]bool, len(ta.Values))
		for _, v := range ta.Values {
			drop[Normalize(v)] = true
		}
		out := make([]string, 0, len(current))
		for _, tag := range current {
			if !drop[Normalize(tag)] {
				out = append(out, tag)
			}
		}
		return out
	default:
		return dedupeTags(append(append([]string(nil), current...), ta.Values...))
	}
}

// dedupeTags trims values and drops later duplicates by normalized form.
func dedupeTags(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := Normalize(v)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// TagKeys returns the sorted normalized forms of a tag set.
func TagKeys(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		k := Normalize(t)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameTagSet(a, b []string) bool {
	ka, kb := TagKeys(a), TagKeys(b)
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

func sameCategory(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
