package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// Report table caps used when the caller leaves them at zero.
const (
	DefaultMaxTransitions = 50
	DefaultMaxSamples     = 20
)

// ApplyOptions selects the transactions and the evaluator policy for a batch.
type ApplyOptions struct {
	UncategorizedOnly   bool
	SkipTransfers       bool
	SkipExcluded        bool
	ExcludedCategoryIDs []int64
	AccountIDs          []int64
	// RuleSetID nil applies the active set.
	RuleSetID *int64
	Overwrite Overwrite
	DryRun    bool

	MaxTransitions int
	MaxSamples     int
}

// Transition counts transactions that moved between two categories. A nil id is
// uncategorized.
type Transition struct {
	From  *int64
	To    *int64
	Count int
}

// Sample is one before/after diff kept for display.
type Sample struct {
	TransactionID int64
	Description   string
	Before        rules.Transaction
	After         rules.Transaction
	WinningRuleID *int64
	Changes       rules.Changes
}

// ApplyStats aggregates one batch.
type ApplyStats struct {
	RuleSetID             int64
	RulesLoaded           int
	Scanned               int
	Matched               int
	Updated               int
	CategoryUpdates       int
	TagUpdates            int
	MerchantUpdates       int
	IncomeOverrideUpdates int
	ExcludeUpdates        int
	BlockedIncome         int
	Transitions           []Transition
	Samples               []Sample
	DryRun                bool
}

// Applier runs the evaluator over stored transactions.
type Applier struct {
	Engine *Engine
}

// ApplyAll evaluates every selected transaction. All writes share one unit of work, so a
// failure leaves the store untouched. A dry run computes the same stats without writing.
func (a *Applier) ApplyAll(ctx context.Context, opts ApplyOptions) (ApplyStats, error) {
	if opts.MaxTransitions <= 0 {
		opts.MaxTransitions = DefaultMaxTransitions
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	var stats ApplyStats
	err := database.WithTx(ctx, a.Engine.DB, func(tx *sql.Tx) error {
		stats = ApplyStats{DryRun: opts.DryRun}
		setID, compiled, err := a.Engine.LoadRules(ctx, tx, opts.RuleSetID)
		if err != nil {
			return err
		}
		stats.RuleSetID = setID
		stats.RulesLoaded = len(compiled)
		income, err := a.Engine.IncomeCategories(ctx, tx)
		if err != nil {
			return err
		}
		txRepo := repository.NewTransactionRepo(tx)
		rows, err := txRepo.List(ctx, repository.TransactionFilters{
			AccountIDs:          opts.AccountIDs,
			UncategorizedOnly:   opts.UncategorizedOnly,
			SkipTransfers:       opts.SkipTransfers,
			SkipExcluded:        opts.SkipExcluded,
			ExcludedCategoryIDs: opts.ExcludedCategoryIDs,
		})
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		evalOpts := evalOptions(income, opts.Overwrite, opts.DryRun)
		transitions := newTransitionCounter()
		for _, row := range rows {
			res := rules.Evaluate(row.Snapshot(), compiled, evalOpts)
			stats.add(res, opts.MaxSamples, transitions)
			if !res.ChangedAny || opts.DryRun {
				continue
			}
			if err := txRepo.ApplyUpdate(ctx, withEvaluated(row, res.After), res.Changes.Tags); err != nil {
				return fmt.Errorf("update transaction %d: %w", row.ID, err)
			}
		}
		stats.Transitions = transitions.top(opts.MaxTransitions)
		return nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	a.Engine.log().Info("rules applied",
		"rule_set_id", stats.RuleSetID, "scanned", stats.Scanned, "updated", stats.Updated,
		"blocked_income", stats.BlockedIncome, "dry_run", stats.DryRun)
	return stats, nil
}

func (s *ApplyStats) add(res rules.Result, maxSamples int, transitions *transitionCounter) {
	s.Scanned++
	if len(res.Matched) > 0 {
		s.Matched++
	}
	for _, b := range res.Blocked {
		if b.Reason == rules.ReasonIncomeRequiresPositive {
			s.BlockedIncome++
		}
	}
	if !res.ChangedAny {
		return
	}
	s.Updated++
	c := res.Changes
	if c.Category {
		s.CategoryUpdates++
		transitions.add(res.Before.CategoryID, res.After.CategoryID)
	}
	if c.Tags {
		s.TagUpdates++
	}
	if c.Merchant {
		s.MerchantUpdates++
	}
	if c.IsIncomeOverride {
		s.IncomeOverrideUpdates++
	}
	if c.ExcludeFromTotals {
		s.ExcludeUpdates++
	}
	if len(s.Samples) < maxSamples {
		s.Samples = append(s.Samples, Sample{
			TransactionID: res.Before.ID,
			Description:   res.Before.Description,
			Before:        res.Before,
			After:         res.After,
			WinningRuleID: res.WinningRuleID,
			Changes:       res.Changes,
		})
	}
}

// withEvaluated copies the rule-managed fields of an evaluated snapshot onto a row.
func withEvaluated(row repository.Transaction, after rules.Transaction) repository.Transaction {
	row.CategoryID = after.CategoryID
	row.CategorySource = after.CategorySource
	row.MerchantName = after.MerchantName
	row.IsIncomeOverride = after.IsIncomeOverride
	row.ExcludeFromTotals = after.ExcludeFromTotals
	row.Tags = after.Tags
	return row
}

type transitionKey struct {
	from, to int64
	hasFrom  bool
	hasTo    bool
}

type transitionCounter struct {
	counts map[transitionKey]int
}

func newTransitionCounter() *transitionCounter {
	return &transitionCounter{counts: map[transitionKey]int{}}
}

func (t *transitionCounter) add(from, to *int64) {
	var k transitionKey
	if from != nil {
		k.from, k.hasFrom = *from, true
	}
	if to != nil {
		k.to, k.hasTo = *to, true
	}
	t.counts[k]++
}

// top returns the buckets by count desc, then from/to ids, capped at limit.
func (t *transitionCounter) top(limit int) []Transition {
	keys := make([]transitionKey, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if t.counts[a] != t.counts[b] {
			return t.counts[a] > t.counts[b]
		}
		if a.hasFrom != b.hasFrom {
			return !a.hasFrom
		}
		if a.from != b.from {
			return a.from < b.from
		}
		if a.hasTo != b.hasTo {
			return !a.hasTo
		}
		return a.to < b.to
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Transition, 0, len(keys))
	for _, k := range keys {
		tr := Transition{Count: t.counts[k]}
		if k.hasFrom {
			tr.From = int64Ptr(k.from)
		}
		if k.hasTo {
			tr.To = int64Ptr(k.to)
		}
		out = append(out, tr)
	}
	return out
}
