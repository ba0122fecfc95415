package llm

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout bounds one Categorize call.
const DefaultTimeout = 8 * time.Second

// KeywordProvider is an offline heuristic oracle: it scores categories by keyword hits and
// token overlap with the description and with labelled past transactions.
type KeywordProvider struct {
	Timeout time.Duration
}

func NewKeywordProvider(timeout time.Duration) *KeywordProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &KeywordProvider{Timeout: timeout}
}

// Categorize returns the best scoring category, or an empty category when nothing scores.
func (p *KeywordProvider) Categorize(ctx context.Context, req CategorizeRequest) (CategorizeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	desc := strings.ToLower(req.Transaction.Description + " " + req.Transaction.Merchant)
	bestCat, bestScore := "", 0.0
	for _, cat := range req.Categories {
		if err := ctx.Err(); err != nil {
			return CategorizeResponse{}, err
		}
		score := keywordScore(desc, cat)
		if score > bestScore {
			bestScore, bestCat = score, cat
		}
	}
	// a close past transaction is stronger evidence than the category name
	for _, past := range req.SimilarPastTransactions {
		sim := textSimilarity(desc, strings.ToLower(past.Description))
		if sim*0.95 > bestScore && past.Category != "" {
			bestScore, bestCat = sim*0.95, past.Category
		}
	}

	merchant := strings.TrimSpace(req.Transaction.Merchant)
	if merchant == "" {
		if parts := strings.Fields(req.Transaction.Description); len(parts) > 0 {
			merchant = properCap(parts[0])
		}
	}
	return CategorizeResponse{Category: bestCat, Confidence: bestScore, MerchantName: merchant}, nil
}

func keywordScore(desc, cat string) float64 {
	catLower := strings.ToLower(cat)
	if strings.Contains(desc, catLower) {
		return 0.9
	}
	switch {
	case strings.Contains(desc, "uber") || strings.Contains(desc, "lyft"):
		if strings.Contains(catLower, "transport") {
			return 0.85
		}
	case strings.Contains(desc, "woolworth") || strings.Contains(desc, "aldi") || strings.Contains(desc, "costco"):
		if strings.Contains(catLower, "grocer") || strings.Contains(catLower, "food") {
			return 0.85
		}
	case strings.Contains(desc, "amazon") || strings.Contains(desc, "ebay"):
		if strings.Contains(catLower, "shopping") {
			return 0.8
		}
	case strings.Contains(desc, "spotify") || strings.Contains(desc, "netflix"):
		if strings.Contains(catLower, "subscription") || strings.Contains(catLower, "entertainment") {
			return 0.8
		}
	case strings.Contains(desc, "payroll") || strings.Contains(desc, "salary"):
		if strings.Contains(catLower, "salary") || strings.Contains(catLower, "income") {
			return 0.85
		}
	}
	return textSimilarity(desc, catLower)
}

// textSimilarity is the token overlap (Jaccard) ratio in [0,1].
func textSimilarity(a, b string) float64 {
	aTokens := tokens(a)
	bTokens := tokens(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	intersect := 0
	for t := range aTokens {
		if _, ok := bTokens[t]; ok {
			intersect++
		}
	}
	union := len(aTokens) + len(bTokens) - intersect
	return float64(intersect) / float64(union)
}

func tokens(s string) map[string]struct{} {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' || r == '_' || r == '/' || r == '*' || r == '#' })
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out[p] = struct{}{}
	}
	return out
}

func properCap(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
