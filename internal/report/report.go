// Package report renders engine results for the terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
	"github.com/jask/rulekit/internal/service"
)

const descWidth = 40

// Names maps category ids to display names.
type Names map[int64]string

// Category labels a possibly nil category id.
func (n Names) Category(id *int64) string {
	if id == nil {
		return "(uncategorized)"
	}
	if name, ok := n[*id]; ok {
		return name
	}
	return "#" + strconv.FormatInt(*id, 10)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers(headers...)
}

type kv struct {
	label string
	value string
}

func renderPairs(pairs []kv) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, labelStyle.Render(fmt.Sprintf("%-18s", p.label))+" "+valueStyle.Render(p.value))
	}
	return strings.Join(lines, "\n")
}

func section(title string, parts ...string) string {
	out := []string{titleStyle.Render(title)}
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n") + "\n"
}

func write(w io.Writer, blocks ...string) error {
	_, err := io.WriteString(w, strings.Join(blocks, "\n"))
	return err
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}

func itoa(n int) string { return strconv.Itoa(n) }

func pct(f float64) string { return fmt.Sprintf("%.1f%%", f*100) }

func idOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func transitionsTable(ts []service.Transition, names Names) string {
	if len(ts) == 0 {
		return ""
	}
	t := newTable("From", "To", "Count")
	for _, tr := range ts {
		t.Row(names.Category(tr.From), names.Category(tr.To), itoa(tr.Count))
	}
	return t.String()
}

// Apply renders the stats of a batch apply.
func Apply(w io.Writer, s service.ApplyStats, names Names) error {
	title := "Apply"
	if s.DryRun {
		title += " (dry run)"
	}
	pairs := []kv{
		{"Rule set", strconv.FormatInt(s.RuleSetID, 10)},
		{"Rules loaded", itoa(s.RulesLoaded)},
		{"Scanned", itoa(s.Scanned)},
		{"Matched", itoa(s.Matched)},
		{"Updated", itoa(s.Updated)},
		{"Category", itoa(s.CategoryUpdates)},
		{"Tags", itoa(s.TagUpdates)},
		{"Merchant", itoa(s.MerchantUpdates)},
		{"Income override", itoa(s.IncomeOverrideUpdates)},
		{"Exclude", itoa(s.ExcludeUpdates)},
		{"Blocked income", itoa(s.BlockedIncome)},
	}
	var samples string
	if len(s.Samples) > 0 {
		t := newTable("Txn", "Description", "Before", "After", "Rule")
		for _, smp := range s.Samples {
			t.Row(
				strconv.FormatInt(smp.TransactionID, 10),
				truncate(smp.Description, descWidth),
				names.Category(smp.Before.CategoryID),
				names.Category(smp.After.CategoryID),
				idOrDash(smp.WinningRuleID),
			)
		}
		samples = t.String()
	}
	return write(w, section(title, renderPairs(pairs), transitionsTable(s.Transitions, names), samples))
}

// Mine renders ranked suggestions and the rejection counters.
func Mine(w io.Writer, res service.MineResult, names Names) error {
	pairs := []kv{
		{"Population", itoa(res.Population)},
		{"Trusted", itoa(res.Trusted)},
		{"Groups", itoa(res.Groups)},
		{"Suggestions", itoa(len(res.Suggestions))},
		{"Capped", itoa(res.Capped)},
	}
	var sugg string
	if len(res.Suggestions) > 0 {
		t := newTable("#", "Key", "Kind", "Category", "Support", "Purity", "Matches", "Conf", "")
		for i, s := range res.Suggestions {
			mark := ""
			if s.Bootstrap {
				mark = "bootstrap"
			}
			cat := s.CategoryID
			t.Row(
				itoa(i+1),
				truncate(s.Key, descWidth),
				string(s.KeyKind),
				names.Category(&cat),
				fmt.Sprintf("%d/%d", s.Support, s.GroupSize),
				pct(s.Purity),
				itoa(s.MatchCount),
				fmt.Sprintf("%.3f", s.Confidence),
				mark,
			)
		}
		sugg = t.String()
	}
	return write(w, section("Suggestions", renderPairs(pairs), sugg, counters("Rejected", res.Rejected)))
}

func counters(title string, m map[string]int) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := newTable(title, "Count")
	for _, k := range keys {
		t.Row(k, itoa(m[k]))
	}
	return t.String()
}

func scoreStyle(score int) lipgloss.Style {
	switch {
	case score >= 90:
		return goodStyle
	case score >= 70:
		return warnStyle
	}
	return badStyle
}

// Lint renders a lint report with its findings and the widest rules.
func Lint(w io.Writer, rep service.LintReport, blastRows int) error {
	head := labelStyle.Render(fmt.Sprintf("%-18s", "Score")) + " " + scoreStyle(rep.Score).Render(itoa(rep.Score))
	pairs := []kv{
		{"Scope", string(rep.Scope)},
		{"Rule set", strconv.FormatInt(rep.RuleSetID, 10)},
		{"Rules", itoa(rep.Rules)},
		{"Transactions", itoa(rep.Transactions)},
		{"Would change", itoa(rep.WouldChange)},
	}
	if rep.RunID != "" {
		pairs = append(pairs, kv{"Run", rep.RunID})
	}
	var findings string
	if len(rep.Findings) > 0 {
		t := newTable("Kind", "Rules", "Penalty", "Detail")
		for _, f := range rep.Findings {
			ids := make([]string, len(f.RuleIDs))
			for i, id := range f.RuleIDs {
				ids[i] = strconv.FormatInt(id, 10)
			}
			t.Row(f.Kind, strings.Join(ids, ","), itoa(f.Penalty), truncate(f.Detail, 60))
		}
		findings = t.String()
	} else {
		findings = mutedStyle.Render("no findings")
	}
	var blast string
	if n := min(blastRows, len(rep.BlastRadius)); n > 0 {
		t := newTable("Rule", "Name", "Matches", "Ratio")
		for _, b := range rep.BlastRadius[:n] {
			t.Row(strconv.FormatInt(b.RuleID, 10), truncate(b.Name, descWidth), itoa(b.Matches), pct(b.Ratio))
		}
		blast = t.String()
	}
	return write(w, section("Lint", head+"\n"+renderPairs(pairs), findings, blast))
}

// Shadow renders a two-set comparison.
func Shadow(w io.Writer, rep service.ShadowReport, names Names) error {
	pairs := []kv{
		{"Baseline", strconv.FormatInt(rep.BaselineID, 10)},
		{"Candidate", strconv.FormatInt(rep.CandidateID, 10)},
		{"Scanned", itoa(rep.Scanned)},
		{"Any diff", itoa(rep.AnyDiffs)},
		{"Category", itoa(rep.CategoryDiffs)},
		{"Tags", itoa(rep.TagDiffs)},
		{"Merchant", itoa(rep.MerchantDiffs)},
		{"Flags", itoa(rep.FlagDiffs)},
	}
	var samples string
	if len(rep.Samples) > 0 {
		t := newTable("Txn", "Description", "Baseline", "Candidate")
		for _, s := range rep.Samples {
			t.Row(
				strconv.FormatInt(s.TransactionID, 10),
				truncate(s.Description, descWidth),
				names.Category(s.Baseline.CategoryID),
				names.Category(s.Candidate.CategoryID),
			)
		}
		samples = t.String()
	}
	return write(w, section("Shadow compare", renderPairs(pairs), transitionsTable(rep.Transitions, names), samples))
}

// RuleSets lists rule sets, marking the active one.
func RuleSets(w io.Writer, sets []repository.RuleSet) error {
	t := newTable("ID", "Name", "Status", "Active", "Created")
	for _, s := range sets {
		active := ""
		if s.IsActive {
			active = "*"
		}
		t.Row(strconv.FormatInt(s.ID, 10), s.Name, s.Status, active, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return write(w, section("Rule sets", t.String()))
}

// Rules lists compiled rules in evaluation order.
func Rules(w io.Writer, list []*rules.CompiledRule, names Names) error {
	t := newTable("ID", "Name", "Prio", "Tier", "Source", "On", "Condition", "Category")
	for _, r := range list {
		on := "yes"
		if !r.Enabled {
			on = "no"
		}
		t.Row(
			strconv.FormatInt(r.ID, 10),
			truncate(r.Name, 28),
			itoa(r.Priority),
			string(r.Tier),
			string(r.Source),
			on,
			truncate(describeConditions(r.Conditions), descWidth),
			describeCategory(r.Actions, names),
		)
	}
	return write(w, section("Rules", t.String()))
}

func describeConditions(c rules.Conditions) string {
	var parts []string
	if c.Description != nil {
		parts = append(parts, fmt.Sprintf("desc %s %q", c.Description.Operator, c.Description.Value))
	}
	if c.Merchant != nil {
		parts = append(parts, fmt.Sprintf("merchant %s %q", c.Merchant.Operator, c.Merchant.Value))
	}
	if c.AmountSign != "" && c.AmountSign != rules.SignAny {
		parts = append(parts, string(c.AmountSign))
	}
	if len(c.AccountIDs) > 0 {
		parts = append(parts, fmt.Sprintf("accounts %v", c.AccountIDs))
	}
	return strings.Join(parts, " ")
}

func describeCategory(a rules.Actions, names Names) string {
	if a.SetCategoryID == nil {
		if a.Tags != nil {
			return "tags " + strings.Join(a.Tags.Values, ",")
		}
		return "-"
	}
	return names.Category(a.SetCategoryID)
}

// Categorize renders the outcome of a single categorization.
func Categorize(w io.Writer, res service.CategorizeResult, names Names) error {
	pairs := []kv{
		{"Category", names.Category(res.Evaluation.After.CategoryID)},
		{"Rule", idOrDash(res.Evaluation.WinningRuleID)},
		{"Updated", strconv.FormatBool(res.Updated)},
	}
	if a := res.Advice; a != nil {
		label := a.Category
		if !a.Confident {
			label += " (low confidence)"
		}
		pairs = append(pairs, kv{"Advice", label}, kv{"Advice conf", fmt.Sprintf("%.2f", a.Confidence)})
		if a.MerchantName != "" {
			pairs = append(pairs, kv{"Merchant", a.MerchantName})
		}
	}
	return write(w, section("Categorize", renderPairs(pairs)))
}
