package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// RuleInput is a rule to be written through the validated insert path.
type RuleInput struct {
	Name           string
	Priority       int
	Disabled       bool
	StopProcessing bool
	Source         rules.Source
	Tier           rules.Tier
	Origin         rules.Origin
	// RuleSetID nil stores an unscoped rule, which belongs to the active set.
	RuleSetID  *int64
	Confidence *float64
	// Specificity pins the stored score; nil derives it from the conditions.
	Specificity *int
	Conditions  rules.Conditions
	Actions     rules.Actions
}

// BatchResult counts the outcome of a multi-rule write.
type BatchResult struct {
	Created    []int64
	Duplicates int
	// Invalid counts skipped rules by validation reason.
	Invalid map[string]int
}

// RuleService owns every write to the rules table.
type RuleService struct {
	Engine *Engine
}

// buildRaw serializes the canonical structures and re-derives the legacy shorthand.
func buildRaw(in RuleInput) (rules.RawRule, error) {
	conds, err := json.Marshal(in.Conditions)
	if err != nil {
		return rules.RawRule{}, fmt.Errorf("encode conditions: %w", err)
	}
	acts, err := json.Marshal(in.Actions)
	if err != nil {
		return rules.RawRule{}, fmt.Errorf("encode actions: %w", err)
	}
	src := in.Source
	if src == "" {
		src = rules.SourceManual
	}
	defaults := rules.SourceDefaults(src)
	tier, origin := in.Tier, in.Origin
	if tier == "" {
		tier = defaults.Tier
	}
	if origin == "" {
		origin = defaults.Origin
	}
	legacy := rules.DeriveLegacy(in.Conditions, in.Actions)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultRuleName(in.Conditions)
	}
	return rules.RawRule{
		Name:             name,
		Keyword:          legacy.Keyword,
		MatchType:        legacy.MatchType,
		CategoryID:       legacy.CategoryID,
		Priority:         in.Priority,
		IsEnabled:        !in.Disabled,
		StopProcessing:   in.StopProcessing,
		Source:           src,
		RuleSetID:        in.RuleSetID,
		Tier:             tier,
		Origin:           origin,
		MatchSemantics:   legacy.MatchSemantics,
		Confidence:       in.Confidence,
		SpecificityScore: in.Specificity,
		Conditions:       conds,
		Actions:          acts,
	}, nil
}

func defaultRuleName(c rules.Conditions) string {
	switch {
	case c.Merchant != nil && c.Merchant.Value != "":
		return "merchant: " + rules.Normalize(c.Merchant.Value)
	case c.Description != nil && c.Description.Value != "":
		return "description: " + rules.Normalize(c.Description.Value)
	}
	return "rule"
}

// inputFromCompiled rebuilds a writable input from a compiled rule.
func inputFromCompiled(r *rules.CompiledRule) RuleInput {
	return RuleInput{
		Name:           r.Name,
		Priority:       r.Priority,
		Disabled:       !r.Enabled,
		StopProcessing: r.StopProcessing,
		Source:         r.Source,
		Tier:           r.Tier,
		Origin:         r.Origin,
		RuleSetID:      r.RuleSetID,
		Confidence:     r.Confidence,
		Conditions:     r.Conditions,
		Actions:        r.Actions,
	}
}

// ruleWriter is the validated insert path bound to one unit of work. It remembers the
// signatures of every scope it has seen so a batch dedupes against itself too.
type ruleWriter struct {
	e      *Engine
	q      repository.DBTX
	income map[int64]bool
	active int64
	sigs   map[int64]map[string]bool
}

func newRuleWriter(ctx context.Context, e *Engine, q repository.DBTX) (*ruleWriter, error) {
	income, err := e.IncomeCategories(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("income categories: %w", err)
	}
	active, err := e.ActiveRuleSetID(ctx, q)
	if err != nil && !errors.Is(err, ErrNoActiveRuleSet) {
		return nil, err
	}
	return &ruleWriter{e: e, q: q, income: income, active: active, sigs: map[int64]map[string]bool{}}, nil
}

// scopeOf maps a stored rule_set_id to the set whose population it joins.
func (w *ruleWriter) scopeOf(id *int64) int64 {
	if id == nil {
		return w.active
	}
	return *id
}

func (w *ruleWriter) signatures(ctx context.Context, scope int64) (map[string]bool, error) {
	if s, ok := w.sigs[scope]; ok {
		return s, nil
	}
	var raws []rules.RawRule
	var err error
	if scope == 0 {
		raws, err = repository.NewRuleRepo(w.q).List(ctx, repository.RuleFilter{IncludeUnscoped: true})
	} else {
		raws, err = rawRulesFor(ctx, w.q, scope, scope == w.active, false)
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	s := make(map[string]bool, len(raws))
	for _, raw := range raws {
		s[rules.Signature(w.e.Compiler.Compile(raw))] = true
	}
	w.sigs[scope] = s
	return s, nil
}

// insert validates and stores one rule. A signature already present in the scope is
// reported as a duplicate and not written.
func (w *ruleWriter) insert(ctx context.Context, in RuleInput) (int64, bool, error) {
	raw, err := buildRaw(in)
	if err != nil {
		return 0, false, err
	}
	compiled := w.e.Compiler.Compile(raw)
	if err := rules.Validate(compiled, w.income); err != nil {
		return 0, false, err
	}
	sigs, err := w.signatures(ctx, w.scopeOf(in.RuleSetID))
	if err != nil {
		return 0, false, err
	}
	sig := rules.Signature(compiled)
	if sigs[sig] {
		return 0, true, nil
	}
	id, err := repository.NewRuleRepo(w.q).Insert(ctx, raw)
	if err != nil {
		return 0, false, fmt.Errorf("insert rule: %w", err)
	}
	sigs[sig] = true
	return id, false, nil
}

// insertAll writes a batch. With skipInvalid, validation failures are counted instead of
// aborting the batch.
func (w *ruleWriter) insertAll(ctx context.Context, inputs []RuleInput, skipInvalid bool) (BatchResult, error) {
	res := BatchResult{Invalid: map[string]int{}}
	for i, in := range inputs {
		id, dup, err := w.insert(ctx, in)
		var verr *rules.ValidationError
		switch {
		case err != nil && skipInvalid && errors.As(err, &verr):
			res.Invalid[verr.Reason]++
		case err != nil:
			return BatchResult{}, fmt.Errorf("rule %d (%s): %w", i, in.Name, err)
		case dup:
			res.Duplicates++
		default:
			res.Created = append(res.Created, id)
		}
	}
	return res, nil
}

// Create validates and stores one rule. A structural duplicate returns ErrDuplicateRule.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (int64, error) {
	var id int64
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		w, err := newRuleWriter(ctx, s.Engine, tx)
		if err != nil {
			return err
		}
		newID, dup, err := w.insert(ctx, in)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateRule
		}
		id = newID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.Engine.log().Info("rule created", "rule_id", id, "source", in.Source)
	return id, nil
}

// CreateMany stores every rule or none. Duplicates are skipped and counted; any
// validation failure aborts the batch.
func (s *RuleService) CreateMany(ctx context.Context, inputs []RuleInput) (BatchResult, error) {
	var res BatchResult
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		w, err := newRuleWriter(ctx, s.Engine, tx)
		if err != nil {
			return err
		}
		res, err = w.insertAll(ctx, inputs, false)
		return err
	})
	return res, err
}

// Get compiles one stored rule.
func (s *RuleService) Get(ctx context.Context, id int64) (*rules.CompiledRule, error) {
	raw, err := repository.NewRuleRepo(s.Engine.DB).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Engine.Compiler.Compile(raw), nil
}

// List compiles every stored rule of a set, disabled ones included, in evaluation order.
// A nil id lists the active set.
func (s *RuleService) List(ctx context.Context, ruleSetID *int64) ([]*rules.CompiledRule, error) {
	setID, isActive, err := s.Engine.resolveRuleSet(ctx, s.Engine.DB, ruleSetID)
	if err != nil {
		return nil, err
	}
	raws, err := rawRulesFor(ctx, s.Engine.DB, setID, isActive, false)
	if err != nil {
		return nil, err
	}
	return s.Engine.Compiler.CompileAll(raws), nil
}

func (s *RuleService) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return repository.NewRuleRepo(s.Engine.DB).SetEnabled(ctx, id, enabled)
}

func (s *RuleService) Delete(ctx context.Context, id int64) error {
	return repository.NewRuleRepo(s.Engine.DB).Delete(ctx, id)
}

// GuardViolation is a category rule targeting an income category without the income sign.
type GuardViolation struct {
	RuleID     int64
	Name       string
	CategoryID int64
	AmountSign rules.AmountSign
}

func (s *RuleService) guardViolations(ctx context.Context, q repository.DBTX) ([]GuardViolation, []rules.RawRule, error) {
	income, err := s.Engine.IncomeCategories(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	raws, err := repository.NewRuleRepo(q).List(ctx, repository.RuleFilter{})
	if err != nil {
		return nil, nil, err
	}
	var out []GuardViolation
	var rows []rules.RawRule
	for _, raw := range raws {
		r := s.Engine.Compiler.Compile(raw)
		if !rules.MissingIncomeGuard(r, income) {
			continue
		}
		out = append(out, GuardViolation{
			RuleID:     r.ID,
			Name:       r.Name,
			CategoryID: *r.Actions.SetCategoryID,
			AmountSign: r.Conditions.AmountSign,
		})
		rows = append(rows, raw)
	}
	return out, rows, nil
}

// DetectGuardViolations lists stored rules that would put non-positive amounts into
// income categories if the evaluator did not block them.
func (s *RuleService) DetectGuardViolations(ctx context.Context) ([]GuardViolation, error) {
	v, _, err := s.guardViolations(ctx, s.Engine.DB)
	return v, err
}

// RepairGuardViolations adds the income sign condition to every violating rule in one
// unit of work and returns the repaired rules.
func (s *RuleService) RepairGuardViolations(ctx context.Context) ([]GuardViolation, error) {
	var fixed []GuardViolation
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		violations, raws, err := s.guardViolations(ctx, tx)
		if err != nil {
			return err
		}
		repo := repository.NewRuleRepo(tx)
		for i, raw := range raws {
			r := s.Engine.Compiler.Compile(raw)
			conds := r.Conditions
			conds.AmountSign = rules.SignIncome
			data, err := json.Marshal(conds)
			if err != nil {
				return err
			}
			raw.Conditions = data
			raw.SpecificityScore = nil
			if err := repo.Update(ctx, raw); err != nil {
				return fmt.Errorf("repair rule %d: %w", raw.ID, err)
			}
			fixed = append(fixed, violations[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fixed) > 0 {
		s.Engine.log().Info("income guards repaired", "rules", len(fixed))
	}
	return fixed, nil
}

// DedupeResult reports manual duplicate groups and the rules disabled in them.
type DedupeResult struct {
	Groups   int
	Disabled []int64
}

// DedupeManual disables all but the winning rule of each group of enabled manual rules
// that share a signature within one rule set. Nothing is deleted.
func (s *RuleService) DedupeManual(ctx context.Context) (DedupeResult, error) {
	var res DedupeResult
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		res = DedupeResult{}
		active, err := s.Engine.ActiveRuleSetID(ctx, tx)
		if err != nil && !errors.Is(err, ErrNoActiveRuleSet) {
			return err
		}
		repo := repository.NewRuleRepo(tx)
		raws, err := repo.List(ctx, repository.RuleFilter{Sources: []rules.Source{rules.SourceManual}, EnabledOnly: true})
		if err != nil {
			return err
		}
		groups := map[string][]*rules.CompiledRule{}
		var keys []string
		for _, r := range s.Engine.Compiler.CompileAll(raws) {
			scope := active
			if r.RuleSetID != nil {
				scope = *r.RuleSetID
			}
			key := fmt.Sprintf("%d/%s", scope, rules.Signature(r))
			if _, ok := groups[key]; !ok {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], r)
		}
		for _, key := range keys {
			g := groups[key]
			if len(g) < 2 {
				continue
			}
			res.Groups++
			// g is in evaluation order; the first rule is the one that wins today.
			for _, r := range g[1:] {
				if err := repo.SetEnabled(ctx, r.ID, false); err != nil {
					return err
				}
				res.Disabled = append(res.Disabled, r.ID)
			}
		}
		return nil
	})
	return res, err
}

// archivedRow is the full row image kept in rule_archive.
type archivedRow struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Keyword          string          `json:"keyword"`
	MatchType        string          `json:"match_type"`
	CategoryID       *int64          `json:"category_id"`
	Priority         int             `json:"priority"`
	IsEnabled        bool            `json:"is_enabled"`
	StopProcessing   bool            `json:"stop_processing"`
	Source           rules.Source    `json:"source"`
	RuleSetID        *int64          `json:"rule_set_id"`
	Tier             rules.Tier      `json:"rule_tier"`
	Origin           rules.Origin    `json:"origin"`
	MatchSemantics   rules.Semantics `json:"match_semantics"`
	SpecificityScore *int            `json:"specificity_score"`
	Confidence       *float64        `json:"confidence"`
	Conditions       json.RawMessage `json:"conditions"`
	Actions          json.RawMessage `json:"actions"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toArchivedRow(r rules.RawRule) archivedRow {
	row := archivedRow{
		ID: r.ID, Name: r.Name, Keyword: r.Keyword, MatchType: r.MatchType, CategoryID: r.CategoryID,
		Priority: r.Priority, IsEnabled: r.IsEnabled, StopProcessing: r.StopProcessing, Source: r.Source,
		RuleSetID: r.RuleSetID, Tier: r.Tier, Origin: r.Origin, MatchSemantics: r.MatchSemantics,
		SpecificityScore: r.SpecificityScore, Confidence: r.Confidence, CreatedAt: r.CreatedAt,
		Conditions: json.RawMessage(`{}`), Actions: json.RawMessage(`{}`),
	}
	if json.Valid(r.Conditions) {
		row.Conditions = r.Conditions
	}
	if json.Valid(r.Actions) {
		row.Actions = r.Actions
	}
	return row
}

func (a archivedRow) raw() rules.RawRule {
	return rules.RawRule{
		Name: a.Name, Keyword: a.Keyword, MatchType: a.MatchType, CategoryID: a.CategoryID,
		Priority: a.Priority, IsEnabled: a.IsEnabled, StopProcessing: a.StopProcessing, Source: a.Source,
		RuleSetID: a.RuleSetID, Tier: a.Tier, Origin: a.Origin, MatchSemantics: a.MatchSemantics,
		SpecificityScore: a.SpecificityScore, Confidence: a.Confidence,
		Conditions: a.Conditions, Actions: a.Actions,
	}
}

// ArchiveResult identifies one archive batch.
type ArchiveResult struct {
	BatchID  string
	Archived int
}

// ArchiveLearned moves learned rules into the archive in one unit of work. A nil set id
// archives learned rules of every set.
func (s *RuleService) ArchiveLearned(ctx context.Context, ruleSetID *int64) (ArchiveResult, error) {
	res := ArchiveResult{BatchID: uuid.NewString()}
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		res.Archived = 0
		repo := repository.NewRuleRepo(tx)
		archive := repository.NewRuleArchiveRepo(tx)
		raws, err := repo.List(ctx, repository.RuleFilter{RuleSetID: ruleSetID, Sources: []rules.Source{rules.SourceLearned}})
		if err != nil {
			return err
		}
		for _, raw := range raws {
			data, err := json.Marshal(toArchivedRow(raw))
			if err != nil {
				return err
			}
			if err := archive.Insert(ctx, repository.ArchivedRule{BatchID: res.BatchID, RuleID: raw.ID, RowJSON: string(data)}); err != nil {
				return fmt.Errorf("archive rule %d: %w", raw.ID, err)
			}
			if err := repo.Delete(ctx, raw.ID); err != nil {
				return fmt.Errorf("delete rule %d: %w", raw.ID, err)
			}
			res.Archived++
		}
		return nil
	})
	if err != nil {
		return ArchiveResult{}, err
	}
	s.Engine.log().Info("learned rules archived", "batch_id", res.BatchID, "rules", res.Archived)
	return res, nil
}

// RestoreArchive re-inserts the rules of one batch under new ids and drops the batch.
func (s *RuleService) RestoreArchive(ctx context.Context, batchID string) ([]int64, error) {
	var ids []int64
	err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		ids = nil
		archive := repository.NewRuleArchiveRepo(tx)
		entries, err := archive.List(ctx, batchID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("archive batch %s: %w", batchID, repository.ErrNotFound)
		}
		repo := repository.NewRuleRepo(tx)
		for _, e := range entries {
			var row archivedRow
			if err := json.Unmarshal([]byte(e.RowJSON), &row); err != nil {
				return fmt.Errorf("decode archived rule %d: %w", e.RuleID, err)
			}
			id, err := repo.Insert(ctx, row.raw())
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		_, err = archive.Purge(ctx, batchID)
		return err
	})
	return ids, err
}

// PurgeArchive permanently deletes one archive batch.
func (s *RuleService) PurgeArchive(ctx context.Context, batchID string) (int64, error) {
	n, err := repository.NewRuleArchiveRepo(s.Engine.DB).Purge(ctx, batchID)
	if err != nil {
		return 0, err
	}
	s.Engine.log().Info("archive purged", "batch_id", batchID, "rules", n)
	return n, nil
}
