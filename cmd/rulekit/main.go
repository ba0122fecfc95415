// Command rulekit manages categorization rules over a local transaction store.
//
// Usage:
//
//	rulekit <command> [options]
//
// Run "rulekit help" for the command list.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jask/rulekit/internal/config"
	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/llm"
	"github.com/jask/rulekit/internal/logging"
	"github.com/jask/rulekit/internal/report"
	"github.com/jask/rulekit/internal/rules"
	"github.com/jask/rulekit/internal/service"
)

const version = "0.1.0"

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"migrate":    {"Apply schema migrations and seed defaults", runMigrate},
	"status":     {"Show row counts", runStatus},
	"config":     {"Write the effective configuration to the config file", runConfig},
	"rules":      {"List rules in evaluation order", runRules},
	"apply":      {"Apply a rule set to stored transactions", runApply},
	"mine":       {"Propose learned rules from categorized history", runMine},
	"accept":     {"Insert suggestions saved by mine --out", runAccept},
	"lint":       {"Score the health of the active rule set", runLint},
	"compare":    {"Shadow-compare two rule sets", runCompare},
	"ruleset":    {"Manage rule sets (list, create, activate, extract)", runRuleSet},
	"export":     {"Export a rule set as JSON or YAML", runExport},
	"import":     {"Import rules from a JSON or YAML file", runImport},
	"guards":     {"Report or repair income rules missing the income sign", runGuards},
	"dedupe":     {"Disable duplicate manual rules", runDedupe},
	"archive":    {"Archive learned rules, or restore an archive batch", runArchive},
	"purge":      {"Permanently delete an archive batch", runPurge},
	"categorize": {"Categorize one transaction, asking the oracle when no rule matches", runCategorize},
	"schedule":   {"Run the maintenance job on its cron schedule", runSchedule},
	"reset":      {"Delete all data and reseed defaults", runReset},
	"demo":       {"Insert a generated demo ledger", runDemo},
}

// app carries the process-wide dependencies every command uses.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *sql.DB
	engine *service.Engine
	out    io.Writer
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	case "version":
		fmt.Printf("rulekit v%s\n", version)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	err = cmd.run(ctx, a, args)
	_ = a.db.Close()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		a.logger.Debug("command failed", "command", name, "err", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.Setup(logging.FromSettings(cfg.Log.Level, cfg.Log.JSON))

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.SeedDefaults(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	engine := service.NewEngine(db, logger)
	engine.Compiler = rules.Compiler{CompactMinLen: cfg.Engine.CompactMinLen, RegexMaxLen: cfg.Engine.RegexMaxLen}
	engine.Cache = service.NewCache(cfg.Engine.CacheTTL)
	logger.Debug("store ready", "path", cfg.Database.Path)
	return &app{cfg: cfg, logger: logger, db: db, engine: engine, out: os.Stdout}, nil
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "rulekit v%s\n\nUsage:\n  rulekit <command> [options]\n\nCommands:\n", version)
	for _, n := range names {
		fmt.Fprintf(w, "  %-12s %s\n", n, commands[n].summary)
	}
	fmt.Fprintln(w, "  version      Print version")
	fmt.Fprintln(w, "  help         Show this help")
	fmt.Fprintln(w, "\nRun \"rulekit <command> --help\" for command options.")
	fmt.Fprintln(w, "\nEnvironment:\n  RULEKIT_CONFIG   config file path (TOML)\n  RULEKIT_*        overrides any config key, dots as underscores\n  LOG_LEVEL        DEBUG, INFO, WARN or ERROR")
}

func (a *app) names(ctx context.Context) (report.Names, error) {
	m, err := repository.NewCategoryRepo(a.db).Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	return report.Names(m), nil
}

func (a *app) ruleSets() *service.RuleSets {
	return &service.RuleSets{Engine: a.engine, ProtectedTokens: a.cfg.RuleSets.ProtectedTokens}
}

func (a *app) provider() llm.Provider {
	switch a.cfg.LLM.Provider {
	case "", "none", "off":
		return nil
	case "keyword":
		return llm.NewKeywordProvider(a.cfg.LLM.Timeout)
	}
	a.logger.Warn("unknown llm provider, oracle disabled", "provider", a.cfg.LLM.Provider)
	return nil
}
