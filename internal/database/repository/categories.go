package repository

import (
	"context"
)

// CategoryRepo handles categories.
type CategoryRepo struct {
	db DBTX
}

func NewCategoryRepo(db DBTX) *CategoryRepo {
	return &CategoryRepo{db: db}
}

// Upsert inserts a category keyed by its seed key, or updates the existing one. It
// returns the row id.
func (r *CategoryRepo) Upsert(ctx context.Context, c Category) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
	INSERT INTO categories(seed_key, parent_id, name, is_income, is_transfer, sort_order)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(seed_key) DO UPDATE SET
	 parent_id=excluded.parent_id,
	 name=excluded.name,
	 is_income=excluded.is_income,
	 is_transfer=excluded.is_transfer,
	 sort_order=excluded.sort_order
	RETURNING id;
	`, c.SeedKey, c.ParentID, c.Name, c.IsIncome, c.IsTransfer, c.SortOrder).Scan(&id)
	return id, err
}

// Create inserts a category without a seed key.
func (r *CategoryRepo) Create(ctx context.Context, c Category) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO categories(parent_id, name, is_income, is_transfer, sort_order) VALUES (?, ?, ?, ?, ?)
	`, c.ParentID, c.Name, c.IsIncome, c.IsTransfer, c.SortOrder)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *CategoryRepo) List(ctx context.Context) ([]Category, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, seed_key, parent_id, name, is_income, is_transfer, sort_order FROM categories ORDER BY sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.SeedKey, &c.ParentID, &c.Name, &c.IsIncome, &c.IsTransfer, &c.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncomeIDs returns the ids of categories flagged is_income.
func (r *CategoryRepo) IncomeIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM categories WHERE is_income = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Names maps category ids to names.
func (r *CategoryRepo) Names(ctx context.Context) (map[int64]string, error) {
	cats, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(cats))
	for _, c := range cats {
		out[c.ID] = c.Name
	}
	return out, nil
}
