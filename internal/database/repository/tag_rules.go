package repository

import (
	"context"
	"database/sql"

	"github.com/jask/rulekit/internal/rules"
)

// TagRuleRepo reads the legacy tagging table. Its rows are compiled into virtual rules
// and never copied into rules.
type TagRuleRepo struct{ db DBTX }

func NewTagRuleRepo(db DBTX) *TagRuleRepo { return &TagRuleRepo{db: db} }

func (r *TagRuleRepo) Insert(ctx context.Context, tr rules.LegacyTagRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO tag_rules(pattern, tag_name, account_id, priority) VALUES(?, ?, ?, ?)`,
		tr.Pattern, tr.TagName, tr.AccountID, tr.Priority)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEnabled returns every enabled legacy tag rule.
func (r *TagRuleRepo) ListEnabled(ctx context.Context) ([]rules.LegacyTagRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, pattern, tag_name, account_id, priority FROM tag_rules WHERE is_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rules.LegacyTagRule
	for rows.Next() {
		var tr rules.LegacyTagRule
		var account sql.NullInt64
		if err := rows.Scan(&tr.ID, &tr.Pattern, &tr.TagName, &account, &tr.Priority); err != nil {
			return nil, err
		}
		if account.Valid {
			v := account.Int64
			tr.AccountID = &v
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
