package repository

import "context"

// RuleArchiveRepo holds soft-deleted rules with their full original row.
type RuleArchiveRepo struct{ db DBTX }

func NewRuleArchiveRepo(db DBTX) *RuleArchiveRepo { return &RuleArchiveRepo{db: db} }

func (r *RuleArchiveRepo) Insert(ctx context.Context, a ArchivedRule) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO rule_archive(batch_id, rule_id, row_json) VALUES(?, ?, ?)`,
		a.BatchID, a.RuleID, a.RowJSON)
	return err
}

// List returns archived rows, optionally limited to one batch.
func (r *RuleArchiveRepo) List(ctx context.Context, batchID string) ([]ArchivedRule, error) {
	query := `SELECT id, batch_id, rule_id, row_json, archived_at FROM rule_archive`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArchivedRule
	for rows.Next() {
		var a ArchivedRule
		if err := rows.Scan(&a.ID, &a.BatchID, &a.RuleID, &a.RowJSON, &a.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Purge permanently deletes archived rows, optionally only one batch, and returns the count.
func (r *RuleArchiveRepo) Purge(ctx context.Context, batchID string) (int64, error) {
	query := `DELETE FROM rule_archive`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
