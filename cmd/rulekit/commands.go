package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jask/rulekit/internal/config"
	"github.com/jask/rulekit/internal/jobs"
	"github.com/jask/rulekit/internal/report"
	"github.com/jask/rulekit/internal/service"
	"github.com/jask/rulekit/internal/testdata"
)

func runMigrate(_ context.Context, a *app, args []string) error {
	if err := newFlags("migrate").Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "schema up to date: %s\n", a.cfg.Database.Path)
	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	if err := newFlags("status").Parse(args); err != nil {
		return err
	}
	c, err := (&service.MaintenanceService{Engine: a.engine}).Counts(ctx)
	if err != nil {
		return err
	}
	active, err := a.ruleSets().Active(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "active rule set: %s (%d)\ntransactions: %d\nrules: %d\nrule sets: %d\nlegacy tag rules: %d\narchived rules: %d\n",
		active.Name, active.ID, c.Transactions, c.Rules, c.RuleSets, c.LegacyTags, c.Archived)
	return nil
}

func runConfig(_ context.Context, a *app, args []string) error {
	if err := newFlags("config").Parse(args); err != nil {
		return err
	}
	if err := config.Save(a.cfg); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "config written")
	return nil
}

func runRules(ctx context.Context, a *app, args []string) error {
	fs := newFlags("rules")
	set := fs.String("set", "", "rule set id or name (default: active)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := resolveSet(ctx, a, *set)
	if err != nil {
		return err
	}
	list, err := (&service.RuleService{Engine: a.engine}).List(ctx, id)
	if err != nil {
		return err
	}
	names, err := a.names(ctx)
	if err != nil {
		return err
	}
	return report.Rules(a.out, list, names)
}

func runApply(ctx context.Context, a *app, args []string) error {
	fs := newFlags("apply")
	set := fs.String("set", "", "rule set id or name (default: active)")
	uncategorized := fs.Bool("uncategorized", false, "only transactions without a category")
	skipTransfers := fs.Bool("skip-transfers", true, "skip transfer transactions")
	skipExcluded := fs.Bool("skip-excluded", false, "skip transactions excluded from totals")
	accounts := fs.Int64Slice("account", nil, "restrict to account ids")
	excludeCats := fs.Int64Slice("exclude-category", nil, "skip transactions in these categories")
	overwriteCat := fs.Bool("overwrite-category", false, "replace existing categories")
	overwriteTags := fs.Bool("overwrite-tags", false, "allow replace-mode tag actions on tagged transactions")
	overwriteMerchant := fs.Bool("overwrite-merchant", false, "replace existing merchant names")
	downgrade := fs.Bool("allow-flag-downgrade", false, "allow rules to clear boolean flags")
	dryRun := fs.Bool("dry-run", false, "compute stats without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setID, err := resolveSet(ctx, a, *set)
	if err != nil {
		return err
	}
	stats, err := (&service.Applier{Engine: a.engine}).ApplyAll(ctx, service.ApplyOptions{
		UncategorizedOnly:   *uncategorized,
		SkipTransfers:       *skipTransfers,
		SkipExcluded:        *skipExcluded,
		ExcludedCategoryIDs: *excludeCats,
		AccountIDs:          *accounts,
		RuleSetID:           setID,
		Overwrite: service.Overwrite{
			Category:      *overwriteCat,
			Tags:          *overwriteTags,
			Merchant:      *overwriteMerchant,
			FlagDowngrade: *downgrade,
		},
		DryRun:         *dryRun,
		MaxTransitions: a.cfg.Apply.MaxTransitions,
		MaxSamples:     a.cfg.Apply.MaxSamples,
	})
	if err != nil {
		return err
	}
	names, err := a.names(ctx)
	if err != nil {
		return err
	}
	return report.Apply(a.out, stats, names)
}

// suggestionFile is what mine --out writes and accept reads.
type suggestionFile struct {
	RuleSetID   int64                `json:"rule_set_id"`
	MinedAt     time.Time            `json:"mined_at"`
	Suggestions []service.Suggestion `json:"suggestions"`
}

func runMine(ctx context.Context, a *app, args []string) error {
	fs := newFlags("mine")
	set := fs.String("set", "", "rule set to check duplicates against (default: active)")
	out := fs.String("out", "", "write suggestions to this JSON file for accept")
	noBootstrap := fs.Bool("no-bootstrap", false, "disable bootstrap candidates")
	reserve := fs.Bool("reserve-bootstrap", a.cfg.Miner.ReserveBootstrap, "reserve slots for bootstrap candidates")
	limit := fs.Int("max", a.cfg.Miner.MaxSuggestions, "maximum suggestions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := minerOptions(a.cfg.Miner)
	opts.MaxSuggestions = *limit
	opts.ReserveBootstrap = *reserve
	if *noBootstrap {
		opts.Bootstrap.Enabled = false
	}
	var err error
	if opts.RuleSetID, err = resolveSet(ctx, a, *set); err != nil {
		return err
	}
	res, err := (&service.Miner{Engine: a.engine}).Mine(ctx, opts)
	if err != nil {
		return err
	}
	names, err := a.names(ctx)
	if err != nil {
		return err
	}
	if err := report.Mine(a.out, res, names); err != nil {
		return err
	}
	if *out == "" {
		return nil
	}
	data, err := json.MarshalIndent(suggestionFile{RuleSetID: res.RuleSetID, MinedAt: time.Now().UTC(), Suggestions: res.Suggestions}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write suggestions: %w", err)
	}
	fmt.Fprintf(a.out, "wrote %d suggestions to %s\n", len(res.Suggestions), *out)
	return nil
}

func runAccept(ctx context.Context, a *app, args []string) error {
	fs := newFlags("accept")
	from := fs.String("from", "", "suggestions file written by mine --out")
	only := fs.IntSlice("only", nil, "accept only these 1-based suggestion numbers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" {
		return errors.New("--from is required")
	}
	data, err := os.ReadFile(*from)
	if err != nil {
		return err
	}
	var file suggestionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode %s: %w", *from, err)
	}
	picked := file.Suggestions
	if len(*only) > 0 {
		picked = picked[:0:0]
		for _, n := range *only {
			if n < 1 || n > len(file.Suggestions) {
				return fmt.Errorf("suggestion %d out of range 1..%d", n, len(file.Suggestions))
			}
			picked = append(picked, file.Suggestions[n-1])
		}
	}
	setID := &file.RuleSetID
	if file.RuleSetID == 0 {
		setID = nil
	}
	res, err := (&service.Miner{Engine: a.engine}).Accept(ctx, picked, setID)
	if err != nil {
		return err
	}
	printBatch(a, res)
	return nil
}

func printBatch(a *app, res service.BatchResult) {
	fmt.Fprintf(a.out, "created %d, duplicates %d\n", len(res.Created), res.Duplicates)
	for reason, n := range res.Invalid {
		fmt.Fprintf(a.out, "invalid (%s): %d\n", reason, n)
	}
}

func runLint(ctx context.Context, a *app, args []string) error {
	fs := newFlags("lint")
	scope := fs.String("scope", "all", "manual, learned or all")
	persist := fs.Bool("persist", a.cfg.Lint.Persist, "store the run in lint_runs")
	blast := fs.Int("blast", 10, "rows of the blast-radius table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := service.ParseLintScope(*scope)
	if err != nil {
		return err
	}
	rep, err := (&service.Linter{Engine: a.engine}).Lint(ctx, service.LintOptions{
		Scope:           s,
		BroadMatchRatio: a.cfg.Lint.BroadMatchRatio,
		Persist:         *persist,
	})
	if err != nil {
		return err
	}
	return report.Lint(a.out, rep, *blast)
}

func runCompare(ctx context.Context, a *app, args []string) error {
	fs := newFlags("compare")
	baseline := fs.String("baseline", "", "baseline rule set (default: active)")
	candidate := fs.String("candidate", "", "candidate rule set")
	overwrite := fs.Bool("overwrite", true, "evaluate both sides with full overwrite")
	if err := fs.Parse(args); err != nil {
		return err
	}
	candID, err := requireSet(ctx, a, "candidate", *candidate)
	if err != nil {
		return err
	}
	baseID, err := a.engine.ActiveRuleSetID(ctx, a.db)
	if err != nil {
		return err
	}
	if *baseline != "" {
		if baseID, err = requireSet(ctx, a, "baseline", *baseline); err != nil {
			return err
		}
	}
	opts := service.ShadowOptions{MaxTransitions: a.cfg.Apply.MaxTransitions, MaxSamples: a.cfg.Apply.MaxSamples}
	if *overwrite {
		opts.Overwrite = service.FullOverwrite()
	}
	rep, err := a.ruleSets().ShadowCompare(ctx, baseID, candID, opts)
	if err != nil {
		return err
	}
	names, err := a.names(ctx)
	if err != nil {
		return err
	}
	return report.Shadow(a.out, rep, names)
}

func runRuleSet(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: rulekit ruleset <list|create|activate|extract> [options]")
	}
	sets := a.ruleSets()
	sub, args := args[0], args[1:]
	switch sub {
	case "list":
		list, err := sets.List(ctx)
		if err != nil {
			return err
		}
		return report.RuleSets(a.out, list)

	case "create":
		fs := newFlags("ruleset create")
		clone := fs.String("clone", "", "copy every rule of this set")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: rulekit ruleset create NAME [--clone SET]")
		}
		from, err := resolveSet(ctx, a, *clone)
		if err != nil {
			return err
		}
		rs, err := sets.Create(ctx, fs.Arg(0), from)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "created rule set %s (%d)\n", rs.Name, rs.ID)
		return nil

	case "activate":
		if len(args) != 1 {
			return errors.New("usage: rulekit ruleset activate SET")
		}
		id, err := requireSet(ctx, a, "set", args[0])
		if err != nil {
			return err
		}
		if err := sets.Activate(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "activated rule set %d\n", id)
		return nil

	case "extract":
		fs := newFlags("ruleset extract")
		from := fs.String("from", "", "source rule set (default: active)")
		to := fs.String("to", "", "target rule set")
		if err := fs.Parse(args); err != nil {
			return err
		}
		target, err := requireSet(ctx, a, "to", *to)
		if err != nil {
			return err
		}
		source, err := a.engine.ActiveRuleSetID(ctx, a.db)
		if err != nil {
			return err
		}
		if *from != "" {
			if source, err = requireSet(ctx, a, "from", *from); err != nil {
				return err
			}
		}
		res, err := sets.ExtractProtected(ctx, source, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "considered %d, copied %d, duplicates %d\n", res.Considered, len(res.Copied), res.Duplicates)
		return nil
	}
	return fmt.Errorf("unknown ruleset command %q", sub)
}

func runExport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("export")
	set := fs.String("set", "", "rule set id or name (default: active)")
	format := fs.String("format", "yaml", "json or yaml")
	out := fs.StringP("out", "o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := service.ParseFormat(*format)
	if err != nil {
		return err
	}
	id, err := resolveSet(ctx, a, *set)
	if err != nil {
		return err
	}
	data, err := (&service.RuleService{Engine: a.engine}).Export(ctx, id, f)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = a.out.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

func runImport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("import")
	set := fs.String("set", "", "target rule set (default: active)")
	format := fs.String("format", "", "json or yaml (default: from the file extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: rulekit import FILE [--set SET] [--format json|yaml]")
	}
	path := fs.Arg(0)
	name := *format
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	f, err := service.ParseFormat(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	id, err := resolveSet(ctx, a, *set)
	if err != nil {
		return err
	}
	res, err := (&service.RuleService{Engine: a.engine}).Import(ctx, data, f, id)
	if err != nil {
		return err
	}
	printBatch(a, res)
	return nil
}

func runGuards(ctx context.Context, a *app, args []string) error {
	fs := newFlags("guards")
	fix := fs.Bool("fix", false, "set the income sign on every violating rule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := &service.RuleService{Engine: a.engine}
	var (
		found []service.GuardViolation
		err   error
	)
	if *fix {
		found, err = svc.RepairGuardViolations(ctx)
	} else {
		found, err = svc.DetectGuardViolations(ctx)
	}
	if err != nil {
		return err
	}
	for _, v := range found {
		fmt.Fprintf(a.out, "rule %d %q: category %d, sign %s\n", v.RuleID, v.Name, v.CategoryID, v.AmountSign)
	}
	verb := "found"
	if *fix {
		verb = "repaired"
	}
	fmt.Fprintf(a.out, "%s %d income guard violations\n", verb, len(found))
	return nil
}

func runDedupe(ctx context.Context, a *app, args []string) error {
	if err := newFlags("dedupe").Parse(args); err != nil {
		return err
	}
	res, err := (&service.RuleService{Engine: a.engine}).DedupeManual(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "duplicate groups %d, disabled %v\n", res.Groups, res.Disabled)
	return nil
}

func runArchive(ctx context.Context, a *app, args []string) error {
	fs := newFlags("archive")
	set := fs.String("set", "", "rule set whose learned rules are archived (default: active)")
	restore := fs.String("restore", "", "restore this archive batch instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := &service.RuleService{Engine: a.engine}
	if *restore != "" {
		ids, err := svc.RestoreArchive(ctx, *restore)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "restored %d rules\n", len(ids))
		return nil
	}
	id, err := resolveSet(ctx, a, *set)
	if err != nil {
		return err
	}
	res, err := svc.ArchiveLearned(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "archived %d learned rules, batch %s\n", res.Archived, res.BatchID)
	return nil
}

func runPurge(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rulekit purge BATCH")
	}
	n, err := (&service.RuleService{Engine: a.engine}).PurgeArchive(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d archived rules\n", n)
	return nil
}

func runCategorize(ctx context.Context, a *app, args []string) error {
	fs := newFlags("categorize")
	overwrite := fs.Bool("overwrite", false, "replace an existing category")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: rulekit categorize TRANSACTION_ID")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("transaction id: %w", err)
	}
	svc := &service.CategorizerService{
		Engine:    a.engine,
		Provider:  a.provider(),
		Overwrite: service.Overwrite{Category: *overwrite},
	}
	res, err := svc.Categorize(ctx, id)
	if err != nil {
		return err
	}
	names, err := a.names(ctx)
	if err != nil {
		return err
	}
	return report.Categorize(a.out, res, names)
}

func jobConfig(a *app, apply bool) jobs.Config {
	return jobs.Config{
		Schedule:           a.cfg.Jobs.Schedule,
		TimeZone:           a.cfg.Jobs.Timezone,
		ApplyUncategorized: apply,
		Lint:               service.LintOptions{Persist: true, BroadMatchRatio: a.cfg.Lint.BroadMatchRatio},
	}
}

func runSchedule(ctx context.Context, a *app, args []string) error {
	fs := newFlags("schedule")
	once := fs.Bool("once", false, "run the job now and exit")
	apply := fs.Bool("apply", false, "also apply the active rules to uncategorized transactions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := jobConfig(a, *apply)
	if *once {
		sum, err := jobs.RunOnce(ctx, a.engine, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "guards repaired %d, lint score %d (%s)\n", sum.GuardsRepaired, sum.Lint.Score, sum.Duration.Round(time.Millisecond))
		return nil
	}
	s, err := jobs.NewScheduler(a.engine, cfg, a.logger)
	if err != nil {
		return err
	}
	s.Start()
	fmt.Fprintf(a.out, "next run at %s, Ctrl-C to stop\n", s.Next().Format(time.RFC3339))
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}

func runReset(ctx context.Context, a *app, args []string) error {
	fs := newFlags("reset")
	yes := fs.Bool("yes", false, "confirm deleting all data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("reset deletes every transaction and rule; pass --yes to confirm")
	}
	if err := (&service.MaintenanceService{Engine: a.engine}).Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "store reset")
	return nil
}

func runDemo(ctx context.Context, a *app, args []string) error {
	fs := newFlags("demo")
	count := fs.Int("count", 200, "transactions to generate")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed")
	reviewed := fs.Float64("reviewed", 0.8, "share of rows stored reviewed and categorized")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := testdata.Seed(ctx, a.db, testdata.Options{Transactions: *count, Seed: *seed, ReviewedRatio: *reviewed})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "inserted %d demo transactions\n", n)
	return nil
}
