package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// DefaultProtectedTokens mark rules that must survive a rule-set rebuild.
var DefaultProtectedTokens = []string{
	"PAYROLL", "SALARY", "RENT", "MORTGAGE", "IRS", "TAX", "TRANSFER", "INTEREST", "DIVIDEND", "REFUND",
}

// RuleSets manages rule sets and compares them.
type RuleSets struct {
	Engine          *Engine
	ProtectedTokens []string
}

func notFoundAsRuleSet(err error, id int64) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrRuleSetNotFound, id)
	}
	return err
}

// Create adds a candidate set, optionally copying every rule of another set.
func (m *RuleSets) Create(ctx context.Context, name string, cloneFrom *int64) (repository.RuleSet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return repository.RuleSet{}, errors.New("rule set name is required")
	}
	var out repository.RuleSet
	err := database.WithTx(ctx, m.Engine.DB, func(tx *sql.Tx) error {
		sets := repository.NewRuleSetRepo(tx)
		var source []rules.RawRule
		if cloneFrom != nil {
			srcID, isActive, err := m.Engine.resolveRuleSet(ctx, tx, cloneFrom)
			if err != nil {
				return err
			}
			if source, err = rawRulesFor(ctx, tx, srcID, isActive, false); err != nil {
				return err
			}
		}
		id, err := sets.Create(ctx, name, repository.RuleSetCandidate)
		if err != nil {
			return fmt.Errorf("create rule set %q: %w", name, err)
		}
		repo := repository.NewRuleRepo(tx)
		for _, raw := range source {
			raw.RuleSetID = int64Ptr(id)
			if _, err := repo.Insert(ctx, raw); err != nil {
				return fmt.Errorf("clone rule %d: %w", raw.ID, err)
			}
		}
		out, err = sets.Get(ctx, id)
		return err
	})
	if err != nil {
		return repository.RuleSet{}, err
	}
	m.Engine.log().Info("rule set created", "rule_set_id", out.ID, "name", out.Name, "cloned_from", cloneFrom)
	return out, nil
}

// Activate makes one set the only active set. The previously active set is archived in
// the same unit of work.
func (m *RuleSets) Activate(ctx context.Context, id int64) error {
	err := database.WithTx(ctx, m.Engine.DB, func(tx *sql.Tx) error {
		sets := repository.NewRuleSetRepo(tx)
		if _, err := sets.Get(ctx, id); err != nil {
			return notFoundAsRuleSet(err, id)
		}
		if err := sets.Deactivate(ctx); err != nil {
			return err
		}
		return sets.MarkActive(ctx, id)
	})
	m.Engine.Cache.Invalidate()
	if err != nil {
		return err
	}
	m.Engine.log().Info("rule set activated", "rule_set_id", id)
	return nil
}

func (m *RuleSets) List(ctx context.Context) ([]repository.RuleSet, error) {
	return repository.NewRuleSetRepo(m.Engine.DB).List(ctx)
}

func (m *RuleSets) Get(ctx context.Context, id int64) (repository.RuleSet, error) {
	rs, err := repository.NewRuleSetRepo(m.Engine.DB).Get(ctx, id)
	return rs, notFoundAsRuleSet(err, id)
}

// ByName looks a set up by its unique name.
func (m *RuleSets) ByName(ctx context.Context, name string) (repository.RuleSet, error) {
	rs, err := repository.NewRuleSetRepo(m.Engine.DB).ByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return rs, fmt.Errorf("%w: %s", ErrRuleSetNotFound, name)
	}
	return rs, err
}

func (m *RuleSets) Active(ctx context.Context) (repository.RuleSet, error) {
	rs, err := repository.NewRuleSetRepo(m.Engine.DB).Active(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return rs, ErrNoActiveRuleSet
	}
	return rs, err
}

// ShadowOptions set the evaluator policy used for both sides of a comparison.
type ShadowOptions struct {
	Overwrite      Overwrite
	MaxTransitions int
	MaxSamples     int
}

// ShadowSample is one transaction the two sets disagree on.
type ShadowSample struct {
	TransactionID int64
	Description   string
	Baseline      rules.Transaction
	Candidate     rules.Transaction
	BaselineRule  *int64
	CandidateRule *int64
}

// ShadowReport diffs the outcomes of two sets over every transaction.
type ShadowReport struct {
	BaselineID    int64
	CandidateID   int64
	Scanned       int
	CategoryDiffs int
	TagDiffs      int
	MerchantDiffs int
	FlagDiffs     int
	AnyDiffs      int
	Transitions   []Transition
	Samples       []ShadowSample
}

// ShadowCompare evaluates both sets in preview mode. Nothing is written.
func (m *RuleSets) ShadowCompare(ctx context.Context, baselineID, candidateID int64, opts ShadowOptions) (ShadowReport, error) {
	if opts.MaxTransitions <= 0 {
		opts.MaxTransitions = DefaultMaxTransitions
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	rep := ShadowReport{BaselineID: baselineID, CandidateID: candidateID}
	q := m.Engine.DB
	_, baseline, err := m.Engine.LoadRules(ctx, q, &baselineID)
	if err != nil {
		return rep, fmt.Errorf("baseline: %w", err)
	}
	_, candidate, err := m.Engine.LoadRules(ctx, q, &candidateID)
	if err != nil {
		return rep, fmt.Errorf("candidate: %w", err)
	}
	income, err := m.Engine.IncomeCategories(ctx, q)
	if err != nil {
		return rep, err
	}
	rows, err := repository.NewTransactionRepo(q).List(ctx, repository.TransactionFilters{})
	if err != nil {
		return rep, err
	}
	evalOpts := evalOptions(income, opts.Overwrite, true)
	transitions := newTransitionCounter()
	for _, row := range rows {
		snap := row.Snapshot()
		a := rules.Evaluate(snap, baseline, evalOpts)
		b := rules.Evaluate(snap, candidate, evalOpts)
		rep.Scanned++

		diff := false
		if !sameID(a.After.CategoryID, b.After.CategoryID) {
			rep.CategoryDiffs++
			transitions.add(a.After.CategoryID, b.After.CategoryID)
			diff = true
		}
		if !sameTags(a.After.Tags, b.After.Tags) {
			rep.TagDiffs++
			diff = true
		}
		if a.After.MerchantName != b.After.MerchantName {
			rep.MerchantDiffs++
			diff = true
		}
		if a.After.IsIncomeOverride != b.After.IsIncomeOverride || a.After.ExcludeFromTotals != b.After.ExcludeFromTotals {
			rep.FlagDiffs++
			diff = true
		}
		if !diff {
			continue
		}
		rep.AnyDiffs++
		if len(rep.Samples) < opts.MaxSamples {
			rep.Samples = append(rep.Samples, ShadowSample{
				TransactionID: row.ID,
				Description:   row.Description,
				Baseline:      a.After,
				Candidate:     b.After,
				BaselineRule:  a.WinningRuleID,
				CandidateRule: b.WinningRuleID,
			})
		}
	}
	rep.Transitions = transitions.top(opts.MaxTransitions)
	m.Engine.log().Info("shadow compare finished",
		"baseline", baselineID, "candidate", candidateID, "scanned", rep.Scanned, "diffs", rep.AnyDiffs)
	return rep, nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTags(a, b []string) bool {
	ka, kb := rules.TagKeys(a), rules.TagKeys(b)
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

// ExtractResult counts a protected-rule extraction.
type ExtractResult struct {
	Considered int
	Copied     []int64
	Duplicates int
}

// isProtected reports whether a rule must be carried into a rebuilt set: it names a
// protected token, sits in a manual or protected tier, or sets a boolean flag.
func isProtected(r *rules.CompiledRule, tokens map[string]bool) bool {
	if r.Tier == rules.TierManualFix || r.Tier == rules.TierProtectedCore {
		return true
	}
	if r.Actions.SetIsIncomeOverride != nil || r.Actions.SetExcludeFromTotals != nil {
		return true
	}
	for _, tc := range []*rules.TextCondition{r.Conditions.Description, r.Conditions.Merchant} {
		if tc == nil {
			continue
		}
		for _, tok := range rules.Tokens(tc.Value) {
			if tokens[tok] {
				return true
			}
		}
	}
	return false
}

// ExtractProtected copies the protected rules of source into target as protected_core
// rules. Signatures already present in target are skipped.
func (m *RuleSets) ExtractProtected(ctx context.Context, sourceID, targetID int64) (ExtractResult, error) {
	tokens := map[string]bool{}
	list := m.ProtectedTokens
	if len(list) == 0 {
		list = DefaultProtectedTokens
	}
	for _, t := range list {
		if n := rules.Normalize(t); n != "" {
			tokens[n] = true
		}
	}
	var res ExtractResult
	err := database.WithTx(ctx, m.Engine.DB, func(tx *sql.Tx) error {
		res = ExtractResult{}
		if _, err := repository.NewRuleSetRepo(tx).Get(ctx, targetID); err != nil {
			return notFoundAsRuleSet(err, targetID)
		}
		srcID, isActive, err := m.Engine.resolveRuleSet(ctx, tx, &sourceID)
		if err != nil {
			return err
		}
		raws, err := rawRulesFor(ctx, tx, srcID, isActive, true)
		if err != nil {
			return err
		}
		var inputs []RuleInput
		for _, r := range m.Engine.Compiler.CompileAll(raws) {
			res.Considered++
			if !isProtected(r, tokens) {
				continue
			}
			in := inputFromCompiled(r)
			in.Tier = rules.TierProtectedCore
			in.Origin = rules.OriginProtectedMigrated
			in.RuleSetID = int64Ptr(targetID)
			inputs = append(inputs, in)
		}
		w, err := newRuleWriter(ctx, m.Engine, tx)
		if err != nil {
			return err
		}
		batch, err := w.insertAll(ctx, inputs, true)
		if err != nil {
			return err
		}
		res.Copied = batch.Created
		res.Duplicates = batch.Duplicates
		return nil
	})
	if err != nil {
		return ExtractResult{}, err
	}
	m.Engine.log().Info("protected rules extracted", "source", sourceID, "target", targetID, "copied", len(res.Copied))
	return res, nil
}
