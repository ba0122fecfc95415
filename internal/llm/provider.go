// Package llm holds the categorization oracle consulted when no rule assigns a category.
// Its answers are advice: callers never write them to the store.
package llm

import "context"

// Provider suggests a category for one transaction.
type Provider interface {
	Categorize(ctx context.Context, req CategorizeRequest) (CategorizeResponse, error)
}

type CategorizeRequest struct {
	Transaction             TransactionInput     `json:"transaction"`
	KnownMerchants          []string             `json:"known_merchants"`
	Categories              []string             `json:"categories"`
	SimilarPastTransactions []SimilarTransaction `json:"similar_past_transactions"`
}

type TransactionInput struct {
	Description string  `json:"description"`
	Merchant    string  `json:"merchant"`
	Amount      float64 `json:"amount"`
	Date        string  `json:"date"`
	Account     string  `json:"account"`
}

type SimilarTransaction struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

type CategorizeResponse struct {
	Category     string  `json:"category"`
	MerchantName string  `json:"merchant_name"`
	Confidence   float64 `json:"confidence"`
}
