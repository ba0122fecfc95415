package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// sigText and friends fix field order so the JSON encoding is canonical.
type sigText struct {
	Operator      Operator  `json:"op"`
	Semantics     Semantics `json:"sem"`
	CaseSensitive bool      `json:"cs"`
	Value         string    `json:"v"`
}

type sigAmount struct {
	Exact string `json:"eq,omitempty"`
	Min   string `json:"min,omitempty"`
	Max   string `json:"max,omitempty"`
}

type sigDoc struct {
	Description *sigText   `json:"desc,omitempty"`
	Merchant    *sigText   `json:"merch,omitempty"`
	Amount      *sigAmount `json:"amt,omitempty"`
	Sign        AmountSign `json:"sign"`
	Accounts    []int64    `json:"acct,omitempty"`
	DateFrom    string     `json:"from,omitempty"`
	DateTo      string     `json:"to,omitempty"`

	Category       string   `json:"cat,omitempty"`
	TagMode        TagMode  `json:"tag_mode,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Merchant2      string   `json:"set_merch,omitempty"`
	IncomeOverride string   `json:"set_income,omitempty"`
	Exclude        string   `json:"set_exclude,omitempty"`
}

// Signature is the structural identity of a rule's conditions and actions. Two rules with
// the same signature behave identically regardless of name, priority or provenance.
func Signature(r *CompiledRule) string {
	return SignatureOf(r.Conditions, r.Actions)
}

// SignatureOf computes the signature of already-merged structures.
func SignatureOf(c Conditions, a Actions) string {
	doc := sigDoc{
		Description: canonicalText(c.Description),
		Merchant:    canonicalText(c.Merchant),
		Sign:        c.AmountSign,
	}
	if doc.Sign == "" {
		doc.Sign = SignAny
	}
	if c.Amount != nil && (c.Amount.Exact != nil || c.Amount.Min != nil || c.Amount.Max != nil) {
		doc.Amount = &sigAmount{Exact: fmtFloat(c.Amount.Exact), Min: fmtFloat(c.Amount.Min), Max: fmtFloat(c.Amount.Max)}
	}
	if len(c.AccountIDs) > 0 {
		ids := append([]int64(nil), c.AccountIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		doc.Accounts = uniqueInt64(ids)
	}
	if c.DateRange != nil {
		doc.DateFrom = c.DateRange.From
		doc.DateTo = c.DateRange.To
	}
	if a.SetCategoryID != nil {
		doc.Category = strconv.FormatInt(*a.SetCategoryID, 10)
	}
	if a.Tags != nil {
		doc.TagMode = a.Tags.Mode
		if doc.TagMode == "" {
			doc.TagMode = TagAppend
		}
		doc.Tags = TagKeys(a.Tags.Values)
	}
	if a.SetMerchantName != nil {
		doc.Merchant2 = Normalize(*a.SetMerchantName)
	}
	if a.SetIsIncomeOverride != nil {
		doc.IncomeOverride = strconv.FormatBool(*a.SetIsIncomeOverride)
	}
	if a.SetExcludeFromTotals != nil {
		doc.Exclude = strconv.FormatBool(*a.SetExcludeFromTotals)
	}
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalText(tc *TextCondition) *sigText {
	if tc == nil || strings.TrimSpace(tc.Value) == "" {
		return nil
	}
	op := tc.Operator
	if op == "" {
		op = OpContains
	}
	sem := tc.MatchSemantics
	if sem == "" {
		sem = semanticsForOperator(op)
	}
	value := Normalize(tc.Value)
	if op == OpRegex || tc.CaseSensitive {
		value = tc.Value
	}
	return &sigText{Operator: op, Semantics: sem, CaseSensitive: tc.CaseSensitive, Value: value}
}

func fmtFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func uniqueInt64(sorted []int64) []int64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
