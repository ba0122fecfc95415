package rules

import (
	"fmt"
	"strings"
)

// Validation reasons. They are stable strings surfaced to callers.
const (
	ReasonNoActiveCondition  = "no_active_condition"
	ReasonNoEffectiveAction  = "no_effective_action"
	ReasonInvalidRegex       = "invalid_regex"
	ReasonRegexTooLong       = "regex_too_long"
	ReasonIncomeSignRequired = "income_category_requires_income_sign"
	ReasonInvalidTagMode     = "invalid_tag_mode"
	ReasonInvalidAmountRange = "invalid_amount_range"
)

// ValidationError rejects a rule before it is written.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule: %s (%s)", e.Reason, e.Detail)
}

func invalid(reason, detail string) error {
	return &ValidationError{Reason: reason, Detail: detail}
}

// Validate checks a compiled rule against the write-time invariants. incomeCategories
// holds the ids of categories flagged is_income.
func Validate(r *CompiledRule, incomeCategories map[int64]bool) error {
	for _, m := range []*textMatcher{r.description, r.merchant} {
		if m == nil || !m.invalid {
			continue
		}
		switch m.reason {
		case ReasonInvalidRegex, ReasonRegexTooLong:
			return invalid(m.reason, m.raw)
		default:
			return invalid(ReasonNoActiveCondition, "empty text condition")
		}
	}
	if !r.HasAny {
		return invalid(ReasonNoActiveCondition, strings.Join(r.Problems, "; "))
	}
	if a := r.Conditions.Amount; a != nil {
		if (a.Min != nil && *a.Min < 0) || (a.Max != nil && *a.Max < 0) || (a.Exact != nil && *a.Exact < 0) {
			return invalid(ReasonInvalidAmountRange, "amounts compare as absolute values")
		}
		if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
			return invalid(ReasonInvalidAmountRange, fmt.Sprintf("min %v > max %v", *a.Min, *a.Max))
		}
	}
	if d := r.Conditions.DateRange; d != nil && d.From != "" && d.To != "" && d.From > d.To {
		return invalid(ReasonNoActiveCondition, "empty date range")
	}
	if ta := r.Actions.Tags; ta != nil {
		switch ta.Mode {
		case TagAppend, TagReplace, TagRemove, "":
		default:
			return invalid(ReasonInvalidTagMode, string(ta.Mode))
		}
	}
	if r.badActions || !HasEffectiveAction(r.Actions) {
		return invalid(ReasonNoEffectiveAction, "")
	}
	if cat := r.Actions.SetCategoryID; cat != nil && incomeCategories[*cat] && r.Conditions.AmountSign != SignIncome {
		return invalid(ReasonIncomeSignRequired, fmt.Sprintf("category %d", *cat))
	}
	return nil
}

// HasEffectiveAction reports whether applying the actions could change a transaction.
func HasEffectiveAction(a Actions) bool {
	if a.SetCategoryID != nil || a.SetIsIncomeOverride != nil || a.SetExcludeFromTotals != nil {
		return true
	}
	if a.SetMerchantName != nil && strings.TrimSpace(*a.SetMerchantName) != "" {
		return true
	}
	if a.Tags != nil {
		if a.Tags.Mode == TagReplace {
			return true
		}
		for _, v := range a.Tags.Values {
			if Normalize(v) != "" {
				return true
			}
		}
	}
	return false
}

// MissingIncomeGuard reports a category rule that targets an income category without the
// income sign condition.
func MissingIncomeGuard(r *CompiledRule, incomeCategories map[int64]bool) bool {
	cat := r.Actions.SetCategoryID
	return cat != nil && incomeCategories[*cat] && r.Conditions.AmountSign != SignIncome
}
