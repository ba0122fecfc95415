package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/logging"
	"github.com/jask/rulekit/internal/rules"
)

var (
	// ErrRuleSetNotFound is returned when a rule set id or name does not exist.
	ErrRuleSetNotFound = errors.New("rule set not found")
	// ErrNoActiveRuleSet is returned when an operation needs the active set and none is marked.
	ErrNoActiveRuleSet = errors.New("no active rule set")
	// ErrDuplicateRule is returned by Create when a rule with the same signature already
	// exists in the target scope.
	ErrDuplicateRule = errors.New("duplicate rule signature")
)

// Engine is the shared wiring every service works through: the store, the compiler
// thresholds and the cache of hot lookups.
type Engine struct {
	DB       *sql.DB
	Compiler rules.Compiler
	Cache    *Cache
	Logger   *slog.Logger
}

// NewEngine wires an engine with the default compiler and a fresh cache.
func NewEngine(db *sql.DB, logger *slog.Logger) *Engine {
	return &Engine{
		DB:       db,
		Compiler: rules.DefaultCompiler(),
		Cache:    NewCache(DefaultCacheTTL),
		Logger:   logging.OrDefault(logger),
	}
}

func (e *Engine) log() *slog.Logger { return logging.OrDefault(e.Logger) }

// ActiveRuleSetID resolves the active set through the cache.
func (e *Engine) ActiveRuleSetID(ctx context.Context, q repository.DBTX) (int64, error) {
	id, err := e.Cache.ActiveRuleSetID(ctx, q)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrNoActiveRuleSet
	}
	return id, err
}

// IncomeCategories resolves the income category ids through the cache.
func (e *Engine) IncomeCategories(ctx context.Context, q repository.DBTX) (map[int64]bool, error) {
	return e.Cache.IncomeCategories(ctx, q)
}

// resolveRuleSet returns the requested set id, or the active one when id is nil, along
// with whether the resolved set is the active set.
func (e *Engine) resolveRuleSet(ctx context.Context, q repository.DBTX, id *int64) (int64, bool, error) {
	active, err := e.ActiveRuleSetID(ctx, q)
	if err != nil && !errors.Is(err, ErrNoActiveRuleSet) {
		return 0, false, err
	}
	if id == nil {
		if err != nil {
			return 0, false, err
		}
		return active, true, nil
	}
	if _, err := repository.NewRuleSetRepo(q).Get(ctx, *id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, false, fmt.Errorf("%w: %d", ErrRuleSetNotFound, *id)
		}
		return 0, false, err
	}
	return *id, active != 0 && *id == active, nil
}

// rawRulesFor lists the stored rows belonging to a set. Unscoped rows belong to the
// active set.
func rawRulesFor(ctx context.Context, q repository.DBTX, setID int64, isActive bool, enabledOnly bool) ([]rules.RawRule, error) {
	id := setID
	return repository.NewRuleRepo(q).List(ctx, repository.RuleFilter{
		RuleSetID:       &id,
		IncludeUnscoped: isActive,
		EnabledOnly:     enabledOnly,
	})
}

// LoadRules compiles the evaluation population of a set in evaluation order. The active
// set also carries the unscoped rows and the legacy tagging rules.
func (e *Engine) LoadRules(ctx context.Context, q repository.DBTX, ruleSetID *int64) (int64, []*rules.CompiledRule, error) {
	setID, isActive, err := e.resolveRuleSet(ctx, q, ruleSetID)
	if err != nil {
		return 0, nil, err
	}
	raws, err := rawRulesFor(ctx, q, setID, isActive, true)
	if err != nil {
		return 0, nil, fmt.Errorf("list rules: %w", err)
	}
	if isActive {
		legacy, err := repository.NewTagRuleRepo(q).ListEnabled(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("list tag rules: %w", err)
		}
		for _, tr := range legacy {
			raws = append(raws, rules.VirtualRule(tr))
		}
	}
	compiled := e.Compiler.CompileAll(raws)
	for _, r := range compiled {
		if len(r.Problems) > 0 {
			e.log().Debug("rule has unusable conditions", "rule_id", r.ID, "problems", r.Problems)
		}
	}
	return setID, compiled, nil
}

// evalOptions builds evaluator options with the store's income categories.
func evalOptions(income map[int64]bool, overwrite Overwrite, preview bool) rules.Options {
	return rules.Options{
		OverwriteCategory:  overwrite.Category,
		OverwriteTags:      overwrite.Tags,
		OverwriteMerchant:  overwrite.Merchant,
		AllowFlagDowngrade: overwrite.FlagDowngrade,
		IncomeCategories:   income,
		Preview:            preview,
	}
}

// Overwrite lists the evaluator overrides a caller may request.
type Overwrite struct {
	Category      bool
	Tags          bool
	Merchant      bool
	FlagDowngrade bool
}

// FullOverwrite opens every field, for previews that ignore current values.
func FullOverwrite() Overwrite {
	return Overwrite{Category: true, Tags: true, Merchant: true, FlagDowngrade: true}
}

func int64Ptr(v int64) *int64 { return &v }
