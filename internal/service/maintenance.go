package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jask/rulekit/internal/database"
)

// MaintenanceService houses destructive/ops actions surfaced through the CLI.
type MaintenanceService struct {
	Engine *Engine
}

// Reset wipes rules, rule sets and transactions, then reseeds the default categories and
// active rule set. The schema stays intact.
func (s *MaintenanceService) Reset(ctx context.Context) error {
	if s.Engine == nil || s.Engine.DB == nil {
		return fmt.Errorf("maintenance: db not configured")
	}
	if err := database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		tables := []string{
			"lint_runs",
			"rule_archive",
			"tag_rules",
			"rules",
			"rule_sets",
			"transaction_tags",
			"transactions",
			"tags",
			"categories",
			"accounts",
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.Engine.Cache.Invalidate()
	_, _ = s.Engine.DB.ExecContext(ctx, "VACUUM")
	if err := database.SeedDefaults(ctx, s.Engine.DB); err != nil {
		return fmt.Errorf("reseed: %w", err)
	}
	s.Engine.log().Info("store reset")
	return nil
}

// Counts summarizes row counts for status output.
type Counts struct {
	Transactions int
	Rules        int
	RuleSets     int
	LegacyTags   int
	Archived     int
}

func (s *MaintenanceService) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"transactions", &c.Transactions},
		{"rules", &c.Rules},
		{"rule_sets", &c.RuleSets},
		{"tag_rules", &c.LegacyTags},
		{"rule_archive", &c.Archived},
	} {
		if err := s.Engine.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst); err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return c, nil
}
