package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jask/rulekit/internal/rules"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *sql.DB and *sql.Tx so every repo can run inside a unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Account represents an account row.
type Account struct {
	ID          int64
	Name        string
	Institution string
	CreatedAt   time.Time
}

// Category represents a category row.
type Category struct {
	ID         int64
	SeedKey    *string
	ParentID   *int64
	Name       string
	IsIncome   bool
	IsTransfer bool
	SortOrder  int
}

// Tag represents a tag row.
type Tag struct {
	ID   int64
	Name string
}

// Transaction represents a transaction row with its tag names.
type Transaction struct {
	ID                int64
	AccountID         int64
	Date              string
	Description       string
	Amount            float64
	CategoryID        *int64
	MerchantName      string
	IsIncomeOverride  bool
	ExcludeFromTotals bool
	IsTransfer        bool
	IsReviewed        bool
	CategorySource    string

	LockCategory       bool
	LockTags           bool
	LockMerchant       bool
	LegacyLockCategory bool
	LegacyLockTags     bool
	LegacyLockMerchant bool

	CreatedAt time.Time
	UpdatedAt time.Time
	Tags      []string
}

// Snapshot returns the engine view of the row.
func (t Transaction) Snapshot() rules.Transaction {
	return rules.Transaction{
		ID:                 t.ID,
		AccountID:          t.AccountID,
		Date:               t.Date,
		Description:        t.Description,
		Amount:             t.Amount,
		CategoryID:         t.CategoryID,
		Tags:               append([]string(nil), t.Tags...),
		MerchantName:       t.MerchantName,
		IsIncomeOverride:   t.IsIncomeOverride,
		ExcludeFromTotals:  t.ExcludeFromTotals,
		CategorySource:     t.CategorySource,
		LockCategory:       t.LockCategory,
		LockTags:           t.LockTags,
		LockMerchant:       t.LockMerchant,
		LegacyLockCategory: t.LegacyLockCategory,
		LegacyLockTags:     t.LegacyLockTags,
		LegacyLockMerchant: t.LegacyLockMerchant,
	}.Clone()
}

// RuleSet represents a rule_sets row.
type RuleSet struct {
	ID          int64
	Name        string
	Status      string
	IsActive    bool
	CreatedAt   time.Time
	ActivatedAt *time.Time
}

// Rule set statuses.
const (
	RuleSetCandidate = "candidate"
	RuleSetActive    = "active"
	RuleSetArchived  = "archived"
	RuleSetLegacy    = "legacy"
)

// ArchivedRule is one soft-deleted rule row.
type ArchivedRule struct {
	ID         int64
	BatchID    string
	RuleID     int64
	RowJSON    string
	ArchivedAt time.Time
}

// LintRun is a persisted lint snapshot.
type LintRun struct {
	ID           string
	Scope        string
	Score        int
	SummaryJSON  string
	FindingsJSON string
	CreatedAt    time.Time
}
