package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// LintScope selects the rule population a lint run inspects.
type LintScope string

const (
	ScopeManual  LintScope = "manual"
	ScopeLearned LintScope = "learned"
	ScopeAll     LintScope = "all"
)

// ParseLintScope accepts manual, learned or all; empty means all.
func ParseLintScope(s string) (LintScope, error) {
	switch LintScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeManual:
		return ScopeManual, nil
	case ScopeLearned:
		return ScopeLearned, nil
	}
	return "", fmt.Errorf("unknown lint scope %q", s)
}

// Finding kinds with their penalty weights.
const (
	FindingDuplicate      = "duplicate_signature"
	FindingConflict       = "category_conflict"
	FindingBroadToken     = "broad_token"
	FindingIncomeGuard    = "missing_income_guard"
	FindingOverlyBroad    = "overly_broad"
	FindingNearDuplicate  = "near_duplicate"
	nearDuplicateDistance = 0.15
)

var penalties = map[string]int{
	FindingDuplicate:     5,
	FindingConflict:      8,
	FindingBroadToken:    4,
	FindingIncomeGuard:   10,
	FindingOverlyBroad:   6,
	FindingNearDuplicate: 1,
}

// LintOptions configure one run.
type LintOptions struct {
	Scope LintScope
	// BroadMatchRatio is the blast ratio above which a rule is reported as overly broad.
	BroadMatchRatio float64
	Persist         bool
}

// Finding is one problem, naming every rule involved.
type Finding struct {
	Kind    string  `json:"kind"`
	RuleIDs []int64 `json:"rule_ids"`
	Detail  string  `json:"detail"`
	Penalty int     `json:"penalty"`
}

// BlastEntry is the match count of one rule over every transaction.
type BlastEntry struct {
	RuleID  int64
	Name    string
	Matches int
	Ratio   float64
}

// LintReport is the result of one run.
type LintReport struct {
	RunID        string
	RuleSetID    int64
	Scope        LintScope
	Score        int
	Rules        int
	Transactions int
	// WouldChange counts transactions a full-overwrite evaluation would modify.
	WouldChange int
	Summary     map[string]int
	Findings    []Finding
	BlastRadius []BlastEntry
}

// Linter scores the health of the active rule population.
type Linter struct {
	Engine *Engine
}

func inScope(r *rules.CompiledRule, scope LintScope) bool {
	switch scope {
	case ScopeManual:
		return r.Source == rules.SourceManual
	case ScopeLearned:
		return r.Source == rules.SourceLearned
	}
	return true
}

// Lint runs the checks over the active set and every transaction.
func (l *Linter) Lint(ctx context.Context, opts LintOptions) (LintReport, error) {
	if opts.Scope == "" {
		opts.Scope = ScopeAll
	}
	if opts.BroadMatchRatio <= 0 {
		opts.BroadMatchRatio = 0.2
	}
	rep := LintReport{Scope: opts.Scope, Summary: map[string]int{}}
	q := l.Engine.DB

	setID, all, err := l.Engine.LoadRules(ctx, q, nil)
	if err != nil {
		return rep, err
	}
	rep.RuleSetID = setID
	var scoped []*rules.CompiledRule
	for _, r := range all {
		if inScope(r, opts.Scope) {
			scoped = append(scoped, r)
		}
	}
	rep.Rules = len(scoped)
	income, err := l.Engine.IncomeCategories(ctx, q)
	if err != nil {
		return rep, err
	}
	rows, err := repository.NewTransactionRepo(q).List(ctx, repository.TransactionFilters{})
	if err != nil {
		return rep, err
	}
	rep.Transactions = len(rows)

	add := func(kind, detail string, ids ...int64) {
		rep.Findings = append(rep.Findings, Finding{Kind: kind, RuleIDs: ids, Detail: detail, Penalty: penalties[kind]})
		rep.Summary[kind]++
	}

	// Structural checks.
	bySig := map[string][]*rules.CompiledRule{}
	var sigOrder []string
	sigs := make(map[int64]string, len(scoped))
	for _, r := range scoped {
		sig := rules.Signature(r)
		sigs[r.ID] = sig
		if _, ok := bySig[sig]; !ok {
			sigOrder = append(sigOrder, sig)
		}
		bySig[sig] = append(bySig[sig], r)
	}
	for _, sig := range sigOrder {
		if g := bySig[sig]; len(g) > 1 {
			add(FindingDuplicate, fmt.Sprintf("%d rules share signature %s", len(g), sig[:12]), ruleIDs(g)...)
		}
	}
	for _, r := range scoped {
		if r.Source == rules.SourceLearned && rules.IsBroadRule(r) {
			add(FindingBroadToken, fmt.Sprintf("description %q is too broad", r.Conditions.Description.Value), r.ID)
		}
		if rules.MissingIncomeGuard(r, income) {
			add(FindingIncomeGuard, fmt.Sprintf("targets income category %d with sign %s", *r.Actions.SetCategoryID, r.Conditions.AmountSign), r.ID)
		}
	}
	l.nearDuplicates(scoped, sigs, add)

	// Population checks.
	matches := make(map[int64]int, len(scoped))
	type pair struct{ a, b int64 }
	conflicts := map[pair]map[string]bool{}
	var pairOrder []pair
	evalOpts := evalOptions(income, FullOverwrite(), true)
	for _, row := range rows {
		snap := row.Snapshot()
		if rules.Evaluate(snap, scoped, evalOpts).ChangedAny {
			rep.WouldChange++
		}
		var hits []*rules.CompiledRule
		for _, r := range scoped {
			if r.Enabled && r.Matches(&snap) {
				matches[r.ID]++
				if r.Actions.SetCategoryID != nil {
					hits = append(hits, r)
				}
			}
		}
		desc := rules.Normalize(row.Description)
		for i := 0; i < len(hits); i++ {
			for j := i + 1; j < len(hits); j++ {
				if *hits[i].Actions.SetCategoryID == *hits[j].Actions.SetCategoryID {
					continue
				}
				p := pair{hits[i].ID, hits[j].ID}
				if p.a > p.b {
					p.a, p.b = p.b, p.a
				}
				if conflicts[p] == nil {
					conflicts[p] = map[string]bool{}
					pairOrder = append(pairOrder, p)
				}
				conflicts[p][desc] = true
			}
		}
	}
	for _, p := range pairOrder {
		add(FindingConflict, fmt.Sprintf("%d descriptions map to different categories", len(conflicts[p])), p.a, p.b)
	}

	for _, r := range scoped {
		entry := BlastEntry{RuleID: r.ID, Name: r.Name, Matches: matches[r.ID]}
		if len(rows) > 0 {
			entry.Ratio = float64(entry.Matches) / float64(len(rows))
		}
		rep.BlastRadius = append(rep.BlastRadius, entry)
		if entry.Ratio > opts.BroadMatchRatio {
			add(FindingOverlyBroad, fmt.Sprintf("matches %.1f%% of transactions", entry.Ratio*100), r.ID)
		}
	}
	sort.SliceStable(rep.BlastRadius, func(i, j int) bool {
		if rep.BlastRadius[i].Matches != rep.BlastRadius[j].Matches {
			return rep.BlastRadius[i].Matches > rep.BlastRadius[j].Matches
		}
		return rep.BlastRadius[i].RuleID < rep.BlastRadius[j].RuleID
	})

	total := 0
	for _, f := range rep.Findings {
		total += f.Penalty
	}
	rep.Score = 100 - total
	if rep.Score < 0 {
		rep.Score = 0
	}

	if opts.Persist {
		if err := l.persist(ctx, &rep); err != nil {
			return rep, err
		}
	}
	l.Engine.log().Info("lint finished", "scope", rep.Scope, "score", rep.Score, "findings", len(rep.Findings))
	return rep, nil
}

// nearDuplicates reports pairs of description-only rules with the same category whose
// values are within a small edit distance but whose signatures differ.
func (l *Linter) nearDuplicates(scoped []*rules.CompiledRule, sigs map[int64]string, add func(kind, detail string, ids ...int64)) {
	type entry struct {
		r     *rules.CompiledRule
		value string
	}
	var cands []entry
	for _, r := range scoped {
		c := r.Conditions
		if c.Description == nil || c.Description.Operator == rules.OpRegex || c.Merchant != nil || r.Actions.SetCategoryID == nil {
			continue
		}
		if v := rules.Normalize(c.Description.Value); v != "" {
			cands = append(cands, entry{r: r, value: v})
		}
	}
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			if *a.r.Actions.SetCategoryID != *b.r.Actions.SetCategoryID || sigs[a.r.ID] == sigs[b.r.ID] {
				continue
			}
			longest := len(a.value)
			if len(b.value) > longest {
				longest = len(b.value)
			}
			d := float64(levenshtein.ComputeDistance(a.value, b.value)) / float64(longest)
			if d <= nearDuplicateDistance {
				add(FindingNearDuplicate, fmt.Sprintf("%q vs %q", a.value, b.value), a.r.ID, b.r.ID)
			}
		}
	}
}

func ruleIDs(rs []*rules.CompiledRule) []int64 {
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func (l *Linter) persist(ctx context.Context, rep *LintReport) error {
	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return err
	}
	findings, err := json.Marshal(rep.Findings)
	if err != nil {
		return err
	}
	rep.RunID = uuid.NewString()
	run := repository.LintRun{
		ID:           rep.RunID,
		Scope:        string(rep.Scope),
		Score:        rep.Score,
		SummaryJSON:  string(summary),
		FindingsJSON: string(findings),
	}
	if err := repository.NewLintRunRepo(l.Engine.DB).Insert(ctx, run); err != nil {
		return fmt.Errorf("persist lint run: %w", err)
	}
	return nil
}
