package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/llm"
	"github.com/jask/rulekit/internal/rules"
)

const (
	llmConfidenceThreshold = 0.70
	maxSimilarTransactions = 5
)

// Advice is the oracle's suggestion for a transaction no rule categorized. It is never
// written to the store.
type Advice struct {
	Category     string
	CategoryID   *int64
	MerchantName string
	Confidence   float64
	// Confident is set when Confidence reaches the acceptance threshold.
	Confident bool
}

// CategorizeResult is the outcome for one transaction.
type CategorizeResult struct {
	Evaluation rules.Result
	Updated    bool
	Advice     *Advice
}

// CategorizerService categorizes single transactions: rules first, the oracle only for
// what the rules leave uncategorized.
type CategorizerService struct {
	Engine    *Engine
	Provider  llm.Provider
	Overwrite Overwrite
}

// Categorize evaluates one stored transaction against the active rules and persists the
// outcome. The oracle is consulted after the unit of work commits so no lock is held
// across the call; oracle failures degrade to no advice.
func (s *CategorizerService) Categorize(ctx context.Context, id int64) (CategorizeResult, error) {
	var out CategorizeResult
	var row repository.Transaction
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		_, compiled, err := s.Engine.LoadRules(ctx, tx, nil)
		if err != nil {
			return err
		}
		income, err := s.Engine.IncomeCategories(ctx, tx)
		if err != nil {
			return err
		}
		txRepo := repository.NewTransactionRepo(tx)
		row, err = txRepo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", id, err)
		}
		out.Evaluation = rules.Evaluate(row.Snapshot(), compiled, evalOptions(income, s.Overwrite, false))
		out.Updated = false
		if !out.Evaluation.ChangedAny {
			return nil
		}
		if err := txRepo.ApplyUpdate(ctx, withEvaluated(row, out.Evaluation.After), out.Evaluation.Changes.Tags); err != nil {
			return err
		}
		out.Updated = true
		return nil
	})
	if err != nil {
		return CategorizeResult{}, err
	}

	if out.Evaluation.After.CategoryID != nil || s.Provider == nil {
		return out, nil
	}
	advice, err := s.advise(ctx, row, out.Evaluation.After)
	if err != nil {
		s.Engine.log().Warn("categorization oracle failed", "transaction_id", id, "err", err)
		return out, nil
	}
	out.Advice = advice
	return out, nil
}

func (s *CategorizerService) advise(ctx context.Context, row repository.Transaction, after rules.Transaction) (*Advice, error) {
	cats, err := repository.NewCategoryRepo(s.Engine.DB).List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cats))
	byName := make(map[string]int64, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
		byName[strings.ToLower(c.Name)] = c.ID
	}
	catNames := make(map[int64]string, len(cats))
	for _, c := range cats {
		catNames[c.ID] = c.Name
	}

	req := llm.CategorizeRequest{
		Transaction: llm.TransactionInput{
			Description: row.Description,
			Merchant:    after.MerchantName,
			Amount:      row.Amount,
			Date:        row.Date,
			Account:     s.accountName(ctx, row.AccountID),
		},
		Categories: names,
	}
	req.KnownMerchants, req.SimilarPastTransactions = s.history(ctx, row, catNames)

	resp, err := s.Provider.Categorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Category) == "" {
		return nil, nil
	}
	a := &Advice{
		Category:     resp.Category,
		MerchantName: resp.MerchantName,
		Confidence:   resp.Confidence,
		Confident:    resp.Confidence >= llmConfidenceThreshold,
	}
	if id, ok := byName[strings.ToLower(resp.Category)]; ok {
		a.CategoryID = int64Ptr(id)
	}
	return a, nil
}

func (s *CategorizerService) accountName(ctx context.Context, id int64) string {
	accounts, err := repository.NewAccountRepo(s.Engine.DB).List(ctx)
	if err != nil {
		return ""
	}
	for _, a := range accounts {
		if a.ID == id {
			return a.Name
		}
	}
	return ""
}

// history gathers merchant names and a few categorized transactions sharing the
// description's first significant token.
func (s *CategorizerService) history(ctx context.Context, row repository.Transaction, catNames map[int64]string) ([]string, []llm.SimilarTransaction) {
	var needle string
	for _, tok := range rules.Tokens(row.Description) {
		if !phraseStopWords[tok] && !hasDigit(tok) {
			needle = tok
			break
		}
	}
	if needle == "" {
		return nil, nil
	}
	rows, err := repository.NewTransactionRepo(s.Engine.DB).List(ctx, repository.TransactionFilters{CategorizedOnly: true, Search: needle})
	if err != nil {
		return nil, nil
	}
	var merchants []string
	seen := map[string]bool{}
	var similar []llm.SimilarTransaction
	for _, r := range rows {
		if r.ID == row.ID {
			continue
		}
		if m := strings.TrimSpace(r.MerchantName); m != "" && !seen[m] {
			seen[m] = true
			merchants = append(merchants, m)
		}
		if len(similar) < maxSimilarTransactions {
			similar = append(similar, llm.SimilarTransaction{Description: r.Description, Category: catNames[*r.CategoryID]})
		}
	}
	return merchants, similar
}
