package rules

import (
	"math"
	"regexp"
	"strings"
)

const amountTolerance = 1e-5

type textMatcher struct {
	op            Operator
	semantics     Semantics
	caseSensitive bool
	raw           string
	norm          string
	compact       string
	hasSpace      bool
	compactMinLen int
	re            *regexp.Regexp
	invalid       bool
	reason        string
}

// Match reports whether the rule's conditions hold for the transaction.
func Match(r *CompiledRule, t *Transaction) bool {
	return r.Matches(t)
}

// Matches is pure: it never mutates the rule or the transaction.
func (r *CompiledRule) Matches(t *Transaction) bool {
	if r == nil || t == nil || !r.HasAny {
		return false
	}
	c := &r.Conditions
	if c.Description != nil && strings.TrimSpace(c.Description.Value) != "" {
		if !r.description.match(t.Description) {
			return false
		}
	}
	if c.Merchant != nil && strings.TrimSpace(c.Merchant.Value) != "" {
		if !r.merchant.match(t.MerchantName) {
			return false
		}
	}
	if c.Amount != nil && !matchAmount(c.Amount, t.Amount) {
		return false
	}
	switch c.AmountSign {
	case SignIncome:
		if !(t.Amount > 0) {
			return false
		}
	case SignExpense:
		if !(t.Amount < 0) {
			return false
		}
	}
	if len(r.accounts) > 0 {
		if _, ok := r.accounts[t.AccountID]; !ok {
			return false
		}
	}
	if c.DateRange != nil {
		if c.DateRange.From != "" && t.Date < c.DateRange.From {
			return false
		}
		if c.DateRange.To != "" && t.Date > c.DateRange.To {
			return false
		}
	}
	return true
}

func matchAmount(a *AmountCondition, amount float64) bool {
	abs := math.Abs(amount)
	if a.Exact != nil && math.Abs(abs-*a.Exact) > amountTolerance {
		return false
	}
	if a.Min != nil && abs < *a.Min {
		return false
	}
	if a.Max != nil && abs > *a.Max {
		return false
	}
	return true
}

func (m *textMatcher) match(field string) bool {
	if m == nil || m.invalid {
		return false
	}
	if m.op == OpRegex {
		return m.re.MatchString(field)
	}
	if m.caseSensitive {
		switch m.op {
		case OpEquals:
			return field == m.raw
		case OpStartsWith:
			return strings.HasPrefix(field, m.raw)
		}
		if m.semantics == SemanticsSubstringExplicit || m.norm == "" {
			return strings.Contains(field, m.raw)
		}
		return m.matchToken(words(field))
	}
	hay := Normalize(field)
	switch m.op {
	case OpEquals:
		return hay == m.norm
	case OpStartsWith:
		return strings.HasPrefix(hay, m.norm)
	}
	if m.semantics == SemanticsSubstringExplicit {
		return strings.Contains(hay, m.norm)
	}
	return m.matchToken(hay)
}

// matchToken implements token-default contains: the needle must sit on word boundaries,
// or, for long needles, occur in the compacted haystack. hay is already split into words. A needle without spaces must
// still start and end on haystack token boundaries in its compacted form.
func (m *textMatcher) matchToken(hay string) bool {
	if hay == "" {
		return false
	}
	if strings.Contains(" "+hay+" ", " "+m.norm+" ") {
		return true
	}
	if len(m.compact) < m.compactMinLen {
		return false
	}
	tokens := strings.Fields(hay)
	compactHay := strings.Join(tokens, "")
	if m.hasSpace {
		return strings.Contains(compactHay, m.compact)
	}
	starts := make(map[int]bool, len(tokens))
	ends := make(map[int]bool, len(tokens))
	pos := 0
	for _, tok := range tokens {
		starts[pos] = true
		pos += len(tok)
		ends[pos] = true
	}
	for offset := 0; offset <= len(compactHay)-len(m.compact); {
		idx := strings.Index(compactHay[offset:], m.compact)
		if idx < 0 {
			return false
		}
		at := offset + idx
		if starts[at] && ends[at+len(m.compact)] {
			return true
		}
		offset = at + 1
	}
	return false
}
