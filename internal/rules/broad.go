package rules

import "strings"

// BroadMinCompactLen is the shortest compacted value a description-only rule may use.
const BroadMinCompactLen = 6

// broadTokens carry almost no information about the counterparty.
var broadTokens = map[string]bool{
	"STORE": true, "STORES": true, "SHOP": true, "MARKET": true, "PAYMENT": true,
	"PURCHASE": true, "ONLINE": true, "POS": true, "DEBIT": true, "CREDIT": true,
	"CARD": true, "TRANSFER": true, "DEPOSIT": true, "WITHDRAWAL": true, "ATM": true,
	"FEE": true, "BANK": true, "SERVICE": true, "SERVICES": true, "INC": true,
	"LLC": true, "LTD": true, "CO": true, "CORP": true, "THE": true, "AND": true,
	"OF": true, "TO": true, "FROM": true, "AT": true, "IN": true, "ON": true,
	"FOR": true, "WWW": true, "COM": true, "NET": true, "ORDER": true,
	"RECURRING": true, "TXN": true, "REF": true, "ACH": true, "VISA": true,
	"MASTERCARD": true, "CHECKCARD": true,
}

// IsBroadValue reports whether a text value is too short or made only of low-information
// tokens.
func IsBroadValue(value string) bool {
	toks := Tokens(value)
	if len(strings.Join(toks, "")) < BroadMinCompactLen {
		return true
	}
	for _, t := range toks {
		if !broadTokens[t] {
			return false
		}
	}
	return true
}

// IsBroadRule applies IsBroadValue to description-only rules: no merchant, amount,
// account or date scope. A sign condition alone does not narrow the rule. Regex and
// case-sensitive conditions are not judged.
func IsBroadRule(r *CompiledRule) bool {
	c := r.Conditions
	d := c.Description
	if d == nil || strings.TrimSpace(d.Value) == "" || d.Operator == OpRegex || d.CaseSensitive {
		return false
	}
	if c.Merchant != nil && strings.TrimSpace(c.Merchant.Value) != "" {
		return false
	}
	if c.Amount != nil && (c.Amount.Exact != nil || c.Amount.Min != nil || c.Amount.Max != nil) {
		return false
	}
	if len(c.AccountIDs) > 0 {
		return false
	}
	if c.DateRange != nil && (c.DateRange.From != "" || c.DateRange.To != "") {
		return false
	}
	return IsBroadValue(d.Value)
}
