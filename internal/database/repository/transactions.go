package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// TransactionFilters defines list filters. Zero values do not filter.
type TransactionFilters struct {
	IDs                 []int64
	AccountIDs          []int64
	UncategorizedOnly   bool
	CategorizedOnly     bool
	SkipTransfers       bool
	SkipExcluded        bool
	ExcludedCategoryIDs []int64
	ReviewedOnly        bool
	Search              string
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

const transactionColumns = `id, account_id, date_iso, description, amount, category_id, merchant_name,
 is_income_override, exclude_from_totals, is_transfer, is_reviewed, category_source,
 lock_category, lock_tags, lock_merchant, is_category_locked, is_tags_locked, is_merchant_locked,
 created_at, updated_at`

// Insert stores a transaction and its tags and returns the new id.
func (r *TransactionRepo) Insert(ctx context.Context, t Transaction) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(
	 account_id, date_iso, description, amount, category_id, merchant_name,
	 is_income_override, exclude_from_totals, is_transfer, is_reviewed, category_source,
	 lock_category, lock_tags, lock_merchant, is_category_locked, is_tags_locked, is_merchant_locked)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		t.AccountID, t.Date, t.Description, t.Amount, t.CategoryID, t.MerchantName,
		t.IsIncomeOverride, t.ExcludeFromTotals, t.IsTransfer, t.IsReviewed, t.CategorySource,
		t.LockCategory, t.LockTags, t.LockMerchant, t.LegacyLockCategory, t.LegacyLockTags, t.LegacyLockMerchant)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if len(t.Tags) > 0 {
		if err := r.SetTags(ctx, id, t.Tags); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *TransactionRepo) Get(ctx context.Context, id int64) (Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	tags, err := r.tagsFor(ctx, []int64{id})
	if err != nil {
		return Transaction{}, err
	}
	t.Tags = tags[id]
	return t, nil
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []any

	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		args = appendIDs(args, f.IDs)
	}
	if len(f.AccountIDs) > 0 {
		where = append(where, "account_id IN ("+placeholders(len(f.AccountIDs))+")")
		args = appendIDs(args, f.AccountIDs)
	}
	if f.UncategorizedOnly {
		where = append(where, "category_id IS NULL")
	}
	if f.CategorizedOnly {
		where = append(where, "category_id IS NOT NULL")
	}
	if f.SkipTransfers {
		where = append(where, "is_transfer = 0")
	}
	if f.SkipExcluded {
		where = append(where, "exclude_from_totals = 0")
	}
	if len(f.ExcludedCategoryIDs) > 0 {
		where = append(where, "(category_id IS NULL OR category_id NOT IN ("+placeholders(len(f.ExcludedCategoryIDs))+"))")
		args = appendIDs(args, f.ExcludedCategoryIDs)
	}
	if f.ReviewedOnly {
		where = append(where, "is_reviewed = 1")
	}
	if f.Search != "" {
		where = append(where, "description LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_iso, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	tags, err := r.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = tags[out[i].ID]
	}
	return out, nil
}

// tagsFor loads tag names for the given transactions. Large id lists load every tag link.
func (r *TransactionRepo) tagsFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	query := `SELECT tt.transaction_id, t.name FROM transaction_tags tt JOIN tags t ON t.id = tt.tag_id`
	var args []any
	if len(ids) <= 500 {
		query += ` WHERE tt.transaction_id IN (` + placeholders(len(ids)) + `)`
		args = appendIDs(args, ids)
	}
	query += ` ORDER BY tt.transaction_id, t.name`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64][]string{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

// ApplyUpdate writes the rule-managed fields of a transaction. Tags are replaced only
// when tagsChanged is set.
func (r *TransactionRepo) ApplyUpdate(ctx context.Context, t Transaction, tagsChanged bool) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET
	 category_id = ?, category_source = ?, merchant_name = ?,
	 is_income_override = ?, exclude_from_totals = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`,
		t.CategoryID, t.CategorySource, t.MerchantName, t.IsIncomeOverride, t.ExcludeFromTotals, t.ID)
	if err != nil {
		return err
	}
	if tagsChanged {
		return r.SetTags(ctx, t.ID, t.Tags)
	}
	return nil
}

// SetTags replaces the tag set of a transaction.
func (r *TransactionRepo) SetTags(ctx context.Context, transactionID int64, names []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transaction_tags WHERE transaction_id = ?`, transactionID); err != nil {
		return err
	}
	tags := NewTagRepo(r.db)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		tagID, err := tags.Ensure(ctx, name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO transaction_tags(transaction_id, tag_id) VALUES(?, ?)`, transactionID, tagID); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionRepo) UpdateCategory(ctx context.Context, id int64, categoryID *int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET category_id = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, categoryID, id)
	return err
}

// SetReviewed marks a transaction's category as confirmed by a person.
func (r *TransactionRepo) SetReviewed(ctx context.Context, id int64, reviewed bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET is_reviewed = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, reviewed, id)
	return err
}

// Count returns the number of stored transactions.
func (r *TransactionRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func scanTransaction(s scanner) (Transaction, error) {
	var t Transaction
	var categoryID sql.NullInt64
	err := s.Scan(&t.ID, &t.AccountID, &t.Date, &t.Description, &t.Amount, &categoryID, &t.MerchantName,
		&t.IsIncomeOverride, &t.ExcludeFromTotals, &t.IsTransfer, &t.IsReviewed, &t.CategorySource,
		&t.LockCategory, &t.LockTags, &t.LockMerchant, &t.LegacyLockCategory, &t.LegacyLockTags, &t.LegacyLockMerchant,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if categoryID.Valid {
		id := categoryID.Int64
		t.CategoryID = &id
	}
	return t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendIDs(args []any, ids []int64) []any {
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
