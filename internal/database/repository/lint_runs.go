package repository

import "context"

// LintRunRepo stores lint snapshots.
type LintRunRepo struct{ db DBTX }

func NewLintRunRepo(db DBTX) *LintRunRepo { return &LintRunRepo{db: db} }

func (r *LintRunRepo) Insert(ctx context.Context, run LintRun) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO lint_runs(id, scope, score, summary_json, findings_json) VALUES(?, ?, ?, ?, ?)
	`, run.ID, run.Scope, run.Score, run.SummaryJSON, run.FindingsJSON)
	return err
}

// Latest returns the most recent runs, newest first.
func (r *LintRunRepo) Latest(ctx context.Context, limit int) ([]LintRun, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, scope, score, summary_json, findings_json, created_at
	FROM lint_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LintRun
	for rows.Next() {
		var run LintRun
		if err := rows.Scan(&run.ID, &run.Scope, &run.Score, &run.SummaryJSON, &run.FindingsJSON, &run.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
