package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jask/rulekit/internal/database/repository"
)

// DefaultRuleSetName is the rule set created, and activated, on a fresh database.
const DefaultRuleSetName = "default"

type seedCategory struct {
	path     string
	income   bool
	transfer bool
}

var defaultCategories = []seedCategory{
	{path: "Income", income: true},
	{path: "Income > Salary", income: true},
	{path: "Income > Interest", income: true},
	{path: "Food > Groceries"},
	{path: "Food > Restaurants"},
	{path: "Transport"},
	{path: "Transport > Fuel"},
	{path: "Shopping"},
	{path: "Utilities"},
	{path: "Subscriptions"},
	{path: "Housing"},
	{path: "Health"},
	{path: "Entertainment"},
	{path: "Transfers", transfer: true},
}

// SeedDefaults ensures baseline categories and an active rule set exist for new
// databases. It is idempotent and safe to run on every startup.
func SeedDefaults(ctx context.Context, db *sql.DB) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		catRepo := repository.NewCategoryRepo(tx)
		existing, err := catRepo.List(ctx)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			ids := map[string]int64{}
			for idx, c := range defaultCategories {
				parts := strings.Split(c.path, ">")
				name := strings.TrimSpace(parts[len(parts)-1])
				var parentID *int64
				if len(parts) > 1 {
					if id, ok := ids[strings.TrimSpace(parts[len(parts)-2])]; ok {
						parentID = &id
					}
				}
				key := uuid.NewSHA1(uuid.NameSpaceOID, []byte("cat:"+c.path)).String()
				id, err := catRepo.Upsert(ctx, repository.Category{
					SeedKey:    &key,
					ParentID:   parentID,
					Name:       name,
					IsIncome:   c.income,
					IsTransfer: c.transfer,
					SortOrder:  idx,
				})
				if err != nil {
					return err
				}
				ids[name] = id
			}
		}

		sets := repository.NewRuleSetRepo(tx)
		if _, err := sets.Active(ctx); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if _, err := sets.ByName(ctx, DefaultRuleSetName); errors.Is(err, repository.ErrNotFound) {
			if _, err := sets.Create(ctx, DefaultRuleSetName, repository.RuleSetCandidate); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		rs, err := sets.ByName(ctx, DefaultRuleSetName)
		if err != nil {
			return err
		}
		return sets.MarkActive(ctx, rs.ID)
	})
}
