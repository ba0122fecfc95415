package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// TagRepo handles tags.
type TagRepo struct {
	db DBTX
}

func NewTagRepo(db DBTX) *TagRepo { return &TagRepo{db: db} }

// Ensure returns the id of the tag with this name (case-insensitive), creating it if needed.
func (r *TagRepo) Ensure(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO tags(name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *TagRepo) ByName(ctx context.Context, name string) (*Tag, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE name = ?`, name)
	var t Tag
	if err := row.Scan(&t.ID, &t.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TagRepo) List(ctx context.Context) ([]Tag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
