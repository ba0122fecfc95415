package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jask/rulekit/internal/rules"
)

// RuleFilter selects stored rules. A nil RuleSetID selects every set.
type RuleFilter struct {
	RuleSetID *int64
	// IncludeUnscoped adds rules with no rule set, which belong to the active set.
	IncludeUnscoped bool
	Sources         []rules.Source
	EnabledOnly     bool
}

// RuleRepo stores rule rows. Conditions and actions are persisted as JSON text.
type RuleRepo struct{ db DBTX }

func NewRuleRepo(db DBTX) *RuleRepo { return &RuleRepo{db: db} }

const ruleColumns = `id, name, keyword, match_type, category_id, priority, is_enabled, stop_processing,
 source, rule_set_id, rule_tier, origin, match_semantics, specificity_score, confidence,
 conditions_json, actions_json, created_at`

func (r *RuleRepo) Insert(ctx context.Context, rr rules.RawRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO rules(name, keyword, match_type, category_id, priority, is_enabled, stop_processing,
	 source, rule_set_id, rule_tier, origin, match_semantics, specificity_score, confidence,
	 conditions_json, actions_json, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`,
		rr.Name, rr.Keyword, rr.MatchType, rr.CategoryID, rr.Priority, rr.IsEnabled, rr.StopProcessing,
		string(rr.Source), rr.RuleSetID, string(rr.Tier), string(rr.Origin), string(rr.MatchSemantics),
		rr.SpecificityScore, rr.Confidence, jsonText(rr.Conditions), jsonText(rr.Actions))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update rewrites every column of an existing rule.
func (r *RuleRepo) Update(ctx context.Context, rr rules.RawRule) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE rules SET name = ?, keyword = ?, match_type = ?, category_id = ?, priority = ?,
	 is_enabled = ?, stop_processing = ?, source = ?, rule_set_id = ?, rule_tier = ?, origin = ?,
	 match_semantics = ?, specificity_score = ?, confidence = ?, conditions_json = ?, actions_json = ?,
	 updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`,
		rr.Name, rr.Keyword, rr.MatchType, rr.CategoryID, rr.Priority, rr.IsEnabled, rr.StopProcessing,
		string(rr.Source), rr.RuleSetID, string(rr.Tier), string(rr.Origin), string(rr.MatchSemantics),
		rr.SpecificityScore, rr.Confidence, jsonText(rr.Conditions), jsonText(rr.Actions), rr.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *RuleRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rules SET is_enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *RuleRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *RuleRepo) Get(ctx context.Context, id int64) (rules.RawRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rr, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rr, ErrNotFound
	}
	return rr, err
}

func (r *RuleRepo) List(ctx context.Context, f RuleFilter) ([]rules.RawRule, error) {
	var where []string
	var args []any
	if f.RuleSetID != nil {
		if f.IncludeUnscoped {
			where = append(where, "(rule_set_id = ? OR rule_set_id IS NULL)")
		} else {
			where = append(where, "rule_set_id = ?")
		}
		args = append(args, *f.RuleSetID)
	} else if f.IncludeUnscoped {
		where = append(where, "rule_set_id IS NULL")
	}
	if len(f.Sources) > 0 {
		where = append(where, "source IN ("+placeholders(len(f.Sources))+")")
		for _, s := range f.Sources {
			args = append(args, string(s))
		}
	}
	if f.EnabledOnly {
		where = append(where, "is_enabled = 1")
	}
	query := "SELECT " + ruleColumns + " FROM rules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rules.RawRule
	for rows.Next() {
		rr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func scanRule(s scanner) (rules.RawRule, error) {
	var rr rules.RawRule
	var (
		categoryID, ruleSetID, specificity sql.NullInt64
		confidence                         sql.NullFloat64
		source, tier, origin, semantics    string
		conds, acts                        string
	)
	err := s.Scan(&rr.ID, &rr.Name, &rr.Keyword, &rr.MatchType, &categoryID, &rr.Priority, &rr.IsEnabled,
		&rr.StopProcessing, &source, &ruleSetID, &tier, &origin, &semantics, &specificity, &confidence,
		&conds, &acts, &rr.CreatedAt)
	if err != nil {
		return rr, err
	}
	rr.Source = rules.Source(source)
	rr.Tier = rules.Tier(tier)
	rr.Origin = rules.Origin(origin)
	rr.MatchSemantics = rules.Semantics(semantics)
	rr.Conditions = []byte(conds)
	rr.Actions = []byte(acts)
	if categoryID.Valid {
		v := categoryID.Int64
		rr.CategoryID = &v
	}
	if ruleSetID.Valid {
		v := ruleSetID.Int64
		rr.RuleSetID = &v
	}
	if specificity.Valid {
		v := int(specificity.Int64)
		rr.SpecificityScore = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		rr.Confidence = &v
	}
	return rr, nil
}

func jsonText(b []byte) string {
	if len(strings.TrimSpace(string(b))) == 0 {
		return "{}"
	}
	return string(b)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
