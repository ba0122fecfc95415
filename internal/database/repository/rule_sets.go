package repository

import (
	"context"
	"database/sql"
	"errors"
)

// RuleSetRepo handles rule_sets. At most one row may have is_active = 1; the store's
// partial unique index rejects a second.
type RuleSetRepo struct{ db DBTX }

func NewRuleSetRepo(db DBTX) *RuleSetRepo { return &RuleSetRepo{db: db} }

const ruleSetColumns = `id, name, status, is_active, created_at, activated_at`

func (r *RuleSetRepo) Create(ctx context.Context, name, status string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO rule_sets(name, status) VALUES(?, ?)`, name, status)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *RuleSetRepo) Get(ctx context.Context, id int64) (RuleSet, error) {
	return r.one(ctx, `SELECT `+ruleSetColumns+` FROM rule_sets WHERE id = ?`, id)
}

func (r *RuleSetRepo) ByName(ctx context.Context, name string) (RuleSet, error) {
	return r.one(ctx, `SELECT `+ruleSetColumns+` FROM rule_sets WHERE name = ?`, name)
}

// Active returns the active rule set, or ErrNotFound.
func (r *RuleSetRepo) Active(ctx context.Context) (RuleSet, error) {
	return r.one(ctx, `SELECT `+ruleSetColumns+` FROM rule_sets WHERE is_active = 1`)
}

func (r *RuleSetRepo) List(ctx context.Context) ([]RuleSet, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleSetColumns+` FROM rule_sets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Deactivate clears the active flag of every set, archiving the one that was active.
func (r *RuleSetRepo) Deactivate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rule_sets SET is_active = 0, status = 'archived' WHERE is_active = 1`)
	return err
}

// MarkActive flags one set as active. Call Deactivate first in the same unit of work.
func (r *RuleSetRepo) MarkActive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rule_sets SET is_active = 1, status = 'active', activated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *RuleSetRepo) one(ctx context.Context, query string, args ...any) (RuleSet, error) {
	rs, err := scanRuleSet(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rs, ErrNotFound
	}
	return rs, err
}

func scanRuleSet(s scanner) (RuleSet, error) {
	var rs RuleSet
	var activated sql.NullTime
	if err := s.Scan(&rs.ID, &rs.Name, &rs.Status, &rs.IsActive, &rs.CreatedAt, &activated); err != nil {
		return rs, err
	}
	if activated.Valid {
		t := activated.Time
		rs.ActivatedAt = &t
	}
	return rs, nil
}
