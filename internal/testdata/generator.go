// Package testdata generates a realistic demo ledger for trying rules against.
package testdata

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
)

const (
	checkingAccount = "Everyday Checking"
	cardAccount     = "Rewards Visa"
)

// Options control Seed. Zero values pick the defaults.
type Options struct {
	Transactions int
	// Seed makes the ledger reproducible.
	Seed int64
	// ReviewedRatio is the share of rows stored reviewed and categorized; the rest are
	// left uncategorized for the rules to fill in.
	ReviewedRatio float64
	Start         time.Time
	Days          int
}

type template struct {
	description string
	merchant    string
	category    string
	min, max    float64
	checking    bool
	transfer    bool
}

var templates = []template{
	{description: "WOOLWORTHS METRO %04d SYDNEY", merchant: "Woolworths Metro", category: "Groceries", min: -140, max: -20},
	{description: "SHELL COLES EXPRESS %04d", merchant: "Shell Coles Express", category: "Fuel", min: -90, max: -40},
	{description: "NETFLIX.COM %04d", merchant: "Netflix Streaming", category: "Subscriptions", min: -15.99, max: -15.99},
	{description: "SPOTIFY PREMIUM P%04d", merchant: "Spotify Premium", category: "Subscriptions", min: -11.99, max: -11.99},
	{description: "UBER *TRIP HELP.UBER.COM %04d", merchant: "Uber Technologies", category: "Transport", min: -45, max: -8},
	{description: "ORIGIN ENERGY BILL %04d", merchant: "Origin Energy Retail", category: "Utilities", min: -210, max: -90, checking: true},
	{description: "ACME CORP PAYROLL %04d", merchant: "Acme Corp Payroll", category: "Salary", min: 3200, max: 3400, checking: true},
	{description: "GRILLD BURGERS %04d NEWTOWN", merchant: "Grilld Burgers Newtown", category: "Restaurants", min: -60, max: -18},
	{description: "AMAZON MARKETPLACE %04d", merchant: "Amazon Marketplace", category: "Shopping", min: -200, max: -10},
	{description: "TRANSFER TO SAVINGS %04d", category: "Transfers", min: -500, max: -500, checking: true, transfer: true},
}

// Seed inserts a generated ledger into a seeded store and returns the number of rows.
func Seed(ctx context.Context, db *sql.DB, opts Options) (int, error) {
	if opts.Transactions <= 0 {
		opts.Transactions = 200
	}
	if opts.ReviewedRatio <= 0 {
		opts.ReviewedRatio = 0.8
	}
	if opts.Start.IsZero() {
		opts.Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if opts.Days <= 0 {
		opts.Days = 180
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		names, err := repository.NewCategoryRepo(tx).Names(ctx)
		if err != nil {
			return err
		}
		byName := make(map[string]int64, len(names))
		for id, n := range names {
			byName[n] = id
		}
		accounts := repository.NewAccountRepo(tx)
		checking, err := accounts.Ensure(ctx, checkingAccount)
		if err != nil {
			return err
		}
		card, err := accounts.Ensure(ctx, cardAccount)
		if err != nil {
			return err
		}

		txns := repository.NewTransactionRepo(tx)
		for i := 0; i < opts.Transactions; i++ {
			tpl := templates[rng.Intn(len(templates))]
			catID, ok := byName[tpl.category]
			if !ok {
				return fmt.Errorf("category %q is not seeded", tpl.category)
			}
			row := repository.Transaction{
				AccountID:    card,
				Date:         opts.Start.AddDate(0, 0, rng.Intn(opts.Days)).Format("2006-01-02"),
				Description:  fmt.Sprintf(tpl.description, rng.Intn(10000)),
				Amount:       amount(rng, tpl.min, tpl.max),
				MerchantName: tpl.merchant,
				IsTransfer:   tpl.transfer,
			}
			if tpl.checking {
				row.AccountID = checking
			}
			if rng.Float64() < opts.ReviewedRatio {
				row.CategoryID = &catID
				row.IsReviewed = true
				row.CategorySource = "manual"
			}
			if _, err := txns.Insert(ctx, row); err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return opts.Transactions, nil
}

// amount draws a value in [lo, hi] rounded to cents.
func amount(rng *rand.Rand, lo, hi float64) float64 {
	v := decimal.NewFromFloat(lo)
	if hi > lo {
		v = v.Add(decimal.NewFromFloat(rng.Float64() * (hi - lo)))
	}
	return v.Round(2).InexactFloat64()
}
