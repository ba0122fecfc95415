// Package rules is the pure rule engine: normalization, compilation of stored rule rows,
// condition matching, deterministic ordering and the per-transaction evaluator.
// Nothing in this package performs I/O.
package rules

import (
	"encoding/json"
	"time"
)

// Operator is the comparison used by a text condition.
type Operator string

const (
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEquals     Operator = "equals"
	OpRegex      Operator = "regex"
)

// Semantics refines how a text condition is matched.
type Semantics string

const (
	SemanticsTokenDefault      Semantics = "token_default"
	SemanticsSubstringExplicit Semantics = "substring_explicit"
	SemanticsExact             Semantics = "exact"
	SemanticsStartsWith        Semantics = "starts_with"
	SemanticsRegexSafe         Semantics = "regex_safe"
)

// Source records who authored a rule.
type Source string

const (
	SourceManual    Source = "manual"
	SourceLearned   Source = "learned"
	SourceLegacyTag Source = "legacy_tag"
)

// Tier is a coarse precedence band checked before priority.
type Tier string

const (
	TierManualFix        Tier = "manual_fix"
	TierProtectedCore    Tier = "protected_core"
	TierGeneratedCurated Tier = "generated_curated"
	TierLegacyArchived   Tier = "legacy_archived"
	TierLegacyTag        Tier = "legacy_tag"
)

// Origin records how a rule row came to exist.
type Origin string

const (
	OriginManualFix         Origin = "manual_fix"
	OriginImported          Origin = "imported"
	OriginGenerated         Origin = "generated"
	OriginProtectedMigrated Origin = "protected_migrated"
)

// AmountSign restricts a rule to income (positive) or expense (negative) amounts.
type AmountSign string

const (
	SignAny     AmountSign = "any"
	SignIncome  AmountSign = "income"
	SignExpense AmountSign = "expense"
)

// TagMode selects how a tag action combines with the existing tag set.
type TagMode string

const (
	TagAppend  TagMode = "append"
	TagReplace TagMode = "replace"
	TagRemove  TagMode = "remove"
)

// CategorySourceRule is written to Transaction.CategorySource when a rule sets the category.
const CategorySourceRule = "rule"

// TextCondition matches the description or merchant field.
type TextCondition struct {
	Value          string    `json:"value" yaml:"value"`
	Operator       Operator  `json:"operator,omitempty" yaml:"operator,omitempty"`
	CaseSensitive  bool      `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	MatchSemantics Semantics `json:"match_semantics,omitempty" yaml:"match_semantics,omitempty"`
}

// AmountCondition compares the absolute transaction amount.
type AmountCondition struct {
	Exact *float64 `json:"exact,omitempty" yaml:"exact,omitempty"`
	Min   *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateRange is an inclusive range of ISO dates (YYYY-MM-DD). Either end may be empty.
type DateRange struct {
	From string `json:"from,omitempty" yaml:"from,omitempty"`
	To   string `json:"to,omitempty" yaml:"to,omitempty"`
}

// Conditions are combined with AND. Every field is optional.
type Conditions struct {
	Description *TextCondition   `json:"description,omitempty" yaml:"description,omitempty"`
	Merchant    *TextCondition   `json:"merchant,omitempty" yaml:"merchant,omitempty"`
	Amount      *AmountCondition `json:"amount,omitempty" yaml:"amount,omitempty"`
	AmountSign  AmountSign       `json:"amount_sign,omitempty" yaml:"amount_sign,omitempty"`
	AccountIDs  []int64          `json:"account_ids,omitempty" yaml:"account_ids,omitempty"`
	DateRange   *DateRange       `json:"date_range,omitempty" yaml:"date_range,omitempty"`
}

// TagAction edits the transaction tag set.
type TagAction struct {
	Mode   TagMode  `json:"mode" yaml:"mode"`
	Values []string `json:"values" yaml:"values"`
}

// Actions are applied independently of each other.
type Actions struct {
	SetCategoryID        *int64     `json:"set_category_id,omitempty" yaml:"set_category_id,omitempty"`
	Tags                 *TagAction `json:"tags,omitempty" yaml:"tags,omitempty"`
	SetMerchantName      *string    `json:"set_merchant_name,omitempty" yaml:"set_merchant_name,omitempty"`
	SetIsIncomeOverride  *bool      `json:"set_is_income_override,omitempty" yaml:"set_is_income_override,omitempty"`
	SetExcludeFromTotals *bool      `json:"set_exclude_from_totals,omitempty" yaml:"set_exclude_from_totals,omitempty"`
}

// RawRule is a stored rule row before compilation. Conditions and Actions hold the
// serialized canonical structures and may be empty for legacy shorthand rows.
type RawRule struct {
	ID               int64
	Name             string
	Keyword          string
	MatchType        string
	CategoryID       *int64
	Priority         int
	IsEnabled        bool
	StopProcessing   bool
	Source           Source
	RuleSetID        *int64
	Tier             Tier
	Origin           Origin
	MatchSemantics   Semantics
	SpecificityScore *int
	Confidence       *float64
	Conditions       json.RawMessage
	Actions          json.RawMessage
	CreatedAt        time.Time
}

// Transaction is the snapshot the matcher and evaluator operate on.
type Transaction struct {
	ID                int64
	AccountID         int64
	Date              string
	Description       string
	Amount            float64
	CategoryID        *int64
	Tags              []string
	MerchantName      string
	IsIncomeOverride  bool
	ExcludeFromTotals bool
	CategorySource    string

	LockCategory bool
	LockTags     bool
	LockMerchant bool

	// Legacy lock columns, read OR'd with the new ones.
	LegacyLockCategory bool
	LegacyLockTags     bool
	LegacyLockMerchant bool
}

// CategoryLocked reports whether either category lock column is set.
func (t Transaction) CategoryLocked() bool { return t.LockCategory || t.LegacyLockCategory }

// TagsLocked reports whether either tag lock column is set.
func (t Transaction) TagsLocked() bool { return t.LockTags || t.LegacyLockTags }

// MerchantLocked reports whether either merchant lock column is set.
func (t Transaction) MerchantLocked() bool { return t.LockMerchant || t.LegacyLockMerchant }

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	out := t
	if t.CategoryID != nil {
		id := *t.CategoryID
		out.CategoryID = &id
	}
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	return out
}
