package service

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// Reject reasons counted by Mine.
const (
	RejectLowSupport         = "low_support"
	RejectLowPurity          = "low_purity"
	RejectHighConflict       = "high_conflict"
	RejectMixedSign          = "mixed_sign"
	RejectIncomeSignMismatch = "income_sign_mismatch"
	RejectBroadToken         = "broad_token"
	RejectDuplicate          = "duplicate_signature"
	RejectMatchRatio         = "match_ratio"
	RejectSelfMiss           = "self_miss"
	RejectInvalid            = "invalid"
)

// KeyKind says which field a group was keyed on.
type KeyKind string

const (
	KeyMerchant    KeyKind = "merchant"
	KeyDescription KeyKind = "description"
)

var phraseStopWords = map[string]bool{
	"POS": true, "PURCHASE": true, "DEBIT": true, "CREDIT": true, "CARD": true, "VISA": true,
	"MASTERCARD": true, "ACH": true, "THE": true, "AND": true, "OF": true, "TO": true,
	"FROM": true, "AT": true, "IN": true, "ON": true, "FOR": true, "PAYMENT": true,
	"TRANSACTION": true, "TXN": true, "REF": true, "ONLINE": true, "RECURRING": true,
	"CHECKCARD": true, "PREAUTHORIZED": true,
}

// BootstrapOptions admit small description-keyed groups backed by reviewed rows.
type BootstrapOptions struct {
	Enabled         bool
	MinSupport      int
	MinKeyLen       int
	MinPurity       float64
	MaxConflictRate float64
	ConfidenceCap   float64
	Quota           int
}

// MinerOptions are the mining thresholds.
type MinerOptions struct {
	MinSupport               int
	MinPurity                float64
	MaxConflictRate          float64
	MaxMatchRatioMerchant    float64
	MaxMatchRatioDescription float64
	MaxSuggestions           int
	MaxPerCategory           int
	IncludeReviewed          bool
	MerchantMinLen           int
	PhraseMinLen             int
	PhraseMinTokens          int
	PhraseMaxTokens          int
	SignDominance            float64
	AccountDominance         float64
	AddAccountScope          bool
	AddAmountBand            bool
	AmountMaxCV              float64
	AmountAbsTolerance       float64
	AmountRelTolerance       float64
	// ReserveBootstrap sets aside up to Bootstrap.Quota slots for bootstrap candidates.
	ReserveBootstrap bool
	Bootstrap        BootstrapOptions
	// RuleSetID nil mines against the active set.
	RuleSetID *int64
}

func DefaultMinerOptions() MinerOptions {
	return MinerOptions{
		MinSupport:               4,
		MinPurity:                0.9,
		MaxConflictRate:          0.1,
		MaxMatchRatioMerchant:    0.35,
		MaxMatchRatioDescription: 0.15,
		MaxSuggestions:           50,
		MaxPerCategory:           10,
		IncludeReviewed:          true,
		MerchantMinLen:           10,
		PhraseMinLen:             12,
		PhraseMinTokens:          2,
		PhraseMaxTokens:          5,
		SignDominance:            0.95,
		AccountDominance:         0.9,
		AddAccountScope:          true,
		AddAmountBand:            true,
		AmountMaxCV:              0.15,
		AmountAbsTolerance:       5.0,
		AmountRelTolerance:       0.15,
		Bootstrap: BootstrapOptions{
			Enabled:         true,
			MinSupport:      2,
			MinKeyLen:       16,
			MinPurity:       0.98,
			MaxConflictRate: 0.02,
			ConfidenceCap:   0.5,
			Quota:           10,
		},
	}
}

// Suggestion is a candidate rule with the statistics that justified it.
type Suggestion struct {
	Key          string
	KeyKind      KeyKind
	CategoryID   int64
	Support      int
	GroupSize    int
	Purity       float64
	ConflictRate float64
	Sign         rules.AmountSign
	AccountID    *int64
	AmountMin    *float64
	AmountMax    *float64
	MatchCount   int
	MatchRatio   float64
	Confidence   float64
	Bootstrap    bool
	Signature    string
	Rule         RuleInput
}

// MineResult is the ranked output plus rejection counters.
type MineResult struct {
	RuleSetID   int64
	Population  int
	Trusted     int
	Groups      int
	Suggestions []Suggestion
	Rejected    map[string]int
	// Capped counts candidates dropped by the total or per-category limits.
	Capped int
}

// Miner proposes learned rules from categorized history.
type Miner struct {
	Engine *Engine
}

type minedGroup struct {
	kind     KeyKind
	key      string
	gapped   bool
	members  []*repository.Transaction
	reviewed int
}

// Mine builds ranked suggestions. It only reads the store.
func (m *Miner) Mine(ctx context.Context, opts MinerOptions) (MineResult, error) {
	res := MineResult{Rejected: map[string]int{}}
	q := m.Engine.DB

	setID, isActive, err := m.Engine.resolveRuleSet(ctx, q, opts.RuleSetID)
	if err != nil {
		return res, err
	}
	res.RuleSetID = setID
	income, err := m.Engine.IncomeCategories(ctx, q)
	if err != nil {
		return res, err
	}
	raws, err := rawRulesFor(ctx, q, setID, isActive, false)
	if err != nil {
		return res, err
	}
	existing := map[string]bool{}
	var manual []*rules.CompiledRule
	for _, r := range m.Engine.Compiler.CompileAll(raws) {
		existing[rules.Signature(r)] = true
		if r.Enabled && r.Source == rules.SourceManual {
			manual = append(manual, r)
		}
	}

	rows, err := repository.NewTransactionRepo(q).List(ctx, repository.TransactionFilters{})
	if err != nil {
		return res, fmt.Errorf("list transactions: %w", err)
	}
	res.Population = len(rows)
	snapshots := make([]rules.Transaction, len(rows))
	for i := range rows {
		snapshots[i] = rows[i].Snapshot()
	}

	groups := map[KeyKind]map[string]*minedGroup{KeyMerchant: {}, KeyDescription: {}}
	for i := range rows {
		row := &rows[i]
		if row.CategoryID == nil {
			continue
		}
		reviewed := opts.IncludeReviewed && row.IsReviewed
		if !reviewed && !reproducedByManual(snapshots[i], manual, income) {
			continue
		}
		res.Trusted++
		if key := merchantKey(row.MerchantName, opts); key != "" {
			addToGroup(groups[KeyMerchant], KeyMerchant, key, row)
		}
		if key, gapped := phraseKey(row.Description, opts); key != "" {
			g := addToGroup(groups[KeyDescription], KeyDescription, key, row)
			g.gapped = g.gapped || gapped
		}
	}

	var ordered []*minedGroup
	for _, kind := range []KeyKind{KeyMerchant, KeyDescription} {
		for _, g := range groups[kind] {
			ordered = append(ordered, g)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].kind != ordered[j].kind {
			return ordered[i].kind < ordered[j].kind
		}
		return ordered[i].key < ordered[j].key
	})
	res.Groups = len(ordered)

	emitted := map[string]bool{}
	var candidates []Suggestion
	for _, g := range ordered {
		s, reason := m.evaluateGroup(g, opts, setID, income, snapshots)
		if reason == "" && (existing[s.Signature] || emitted[s.Signature]) {
			reason = RejectDuplicate
		}
		if reason != "" {
			res.Rejected[reason]++
			continue
		}
		emitted[s.Signature] = true
		candidates = append(candidates, s)
	}

	res.Suggestions, res.Capped = rankSuggestions(candidates, opts)
	m.Engine.log().Info("mining finished",
		"rule_set_id", setID, "trusted", res.Trusted, "groups", res.Groups,
		"suggestions", len(res.Suggestions), "capped", res.Capped)
	return res, nil
}

// reproducedByManual reports whether the enabled manual rules, evaluated on a blank
// category, assign the row's current category.
func reproducedByManual(t rules.Transaction, manual []*rules.CompiledRule, income map[int64]bool) bool {
	if len(manual) == 0 || t.CategoryID == nil {
		return false
	}
	want := *t.CategoryID
	blank := t.Clone()
	blank.CategoryID = nil
	blank.LockCategory, blank.LegacyLockCategory = false, false
	out := rules.Evaluate(blank, manual, rules.Options{OverwriteCategory: true, IncomeCategories: income, Preview: true})
	return out.After.CategoryID != nil && *out.After.CategoryID == want
}

func addToGroup(m map[string]*minedGroup, kind KeyKind, key string, row *repository.Transaction) *minedGroup {
	g, ok := m[key]
	if !ok {
		g = &minedGroup{kind: kind, key: key}
		m[key] = g
	}
	g.members = append(g.members, row)
	if row.IsReviewed {
		g.reviewed++
	}
	return g
}

func merchantKey(merchant string, opts MinerOptions) string {
	key := rules.Normalize(merchant)
	if len(key) < opts.MerchantMinLen {
		return ""
	}
	return key
}

// phraseKey is the shortest run of significant leading tokens that is long enough. Stop
// words and digit tokens are dropped wherever they sit; gapped reports that one was dropped
// between two kept tokens, so the key is no longer a contiguous phrase of the description.
func phraseKey(description string, opts MinerOptions) (key string, gapped bool) {
	var run []string
	skipped := false
	for _, tok := range rules.Tokens(description) {
		if phraseStopWords[tok] || hasDigit(tok) {
			skipped = len(run) > 0
			continue
		}
		if len(run) == opts.PhraseMaxTokens {
			break
		}
		if skipped {
			gapped = true
		}
		run = append(run, tok)
		phrase := strings.Join(run, " ")
		if len(run) >= opts.PhraseMinTokens && len(phrase) >= opts.PhraseMinLen {
			return phrase, gapped
		}
	}
	return "", false
}

// phrasePattern matches the tokens of a gapped key in order, on word boundaries.
func phrasePattern(key string) string {
	parts := strings.Fields(key)
	for i, p := range parts {
		parts[i] = `\b` + regexp.QuoteMeta(p) + `\b`
	}
	return strings.Join(parts, ".*")
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// evaluateGroup turns a group into a candidate, or names the reason it was rejected.
func (m *Miner) evaluateGroup(g *minedGroup, opts MinerOptions, setID int64, income map[int64]bool, population []rules.Transaction) (Suggestion, string) {
	counts := map[int64]int{}
	for _, row := range g.members {
		counts[*row.CategoryID]++
	}
	var category int64
	support := -1
	for id, n := range counts {
		if n > support || (n == support && id < category) {
			category, support = id, n
		}
	}
	size := len(g.members)
	purity := float64(support) / float64(size)
	conflict := 1 - purity

	var majority []*repository.Transaction
	for _, row := range g.members {
		if *row.CategoryID == category {
			majority = append(majority, row)
		}
	}
	account, accountShare := dominantAccount(majority)
	hasAccount := accountShare >= opts.AccountDominance

	bootstrap := false
	if support < opts.MinSupport || purity < opts.MinPurity || conflict > opts.MaxConflictRate {
		b := opts.Bootstrap
		eligible := b.Enabled && g.kind == KeyDescription && g.reviewed > 0 &&
			len(g.key) >= b.MinKeyLen && support >= b.MinSupport &&
			purity >= b.MinPurity && conflict <= b.MaxConflictRate && hasAccount
		if !eligible {
			switch {
			case support < opts.MinSupport:
				return Suggestion{}, RejectLowSupport
			case purity < opts.MinPurity:
				return Suggestion{}, RejectLowPurity
			default:
				return Suggestion{}, RejectHighConflict
			}
		}
		bootstrap = true
	}

	sign := dominantSign(majority, opts.SignDominance)
	if sign == rules.SignAny {
		return Suggestion{}, RejectMixedSign
	}
	if income[category] && sign != rules.SignIncome {
		return Suggestion{}, RejectIncomeSignMismatch
	}

	text := &rules.TextCondition{Value: g.key, Operator: rules.OpContains, MatchSemantics: rules.SemanticsTokenDefault}
	if g.gapped {
		text = &rules.TextCondition{Value: phrasePattern(g.key), Operator: rules.OpRegex, MatchSemantics: rules.SemanticsRegexSafe}
	}
	conds := rules.Conditions{AmountSign: sign}
	if g.kind == KeyMerchant {
		conds.Merchant = text
	} else {
		conds.Description = text
	}
	scopes := 1
	s := Suggestion{
		Key: g.key, KeyKind: g.kind, CategoryID: category, Support: support, GroupSize: size,
		Purity: purity, ConflictRate: conflict, Sign: sign, Bootstrap: bootstrap,
	}
	if hasAccount && (opts.AddAccountScope || bootstrap) {
		conds.AccountIDs = []int64{account}
		s.AccountID = int64Ptr(account)
		scopes++
	}
	if opts.AddAmountBand {
		if lo, hi, ok := amountBand(majority, opts); ok {
			conds.Amount = &rules.AmountCondition{Min: &lo, Max: &hi}
			s.AmountMin, s.AmountMax = &lo, &hi
			scopes++
		}
	}

	s.Confidence = confidence(support, purity, scopes, opts)
	if bootstrap && s.Confidence > opts.Bootstrap.ConfidenceCap {
		s.Confidence = opts.Bootstrap.ConfidenceCap
	}
	conf := s.Confidence
	s.Rule = RuleInput{
		Name:       fmt.Sprintf("learned %s: %s", g.kind, g.key),
		Source:     rules.SourceLearned,
		RuleSetID:  int64Ptr(setID),
		Confidence: &conf,
		Conditions: conds,
		Actions:    rules.Actions{SetCategoryID: int64Ptr(category)},
	}

	raw, err := buildRaw(s.Rule)
	if err != nil {
		return Suggestion{}, RejectInvalid
	}
	compiled := m.Engine.Compiler.Compile(raw)
	if err := rules.Validate(compiled, income); err != nil {
		return Suggestion{}, RejectInvalid
	}
	if rules.IsBroadRule(compiled) {
		return Suggestion{}, RejectBroadToken
	}
	s.Signature = rules.Signature(compiled)

	for i := range population {
		if compiled.Matches(&population[i]) {
			s.MatchCount++
		}
	}
	if len(population) > 0 {
		s.MatchRatio = float64(s.MatchCount) / float64(len(population))
	}
	ceiling := opts.MaxMatchRatioDescription
	if g.kind == KeyMerchant {
		ceiling = opts.MaxMatchRatioMerchant
	}
	if s.MatchRatio > ceiling {
		return Suggestion{}, RejectMatchRatio
	}
	selfHits := 0
	for _, row := range majority {
		snap := row.Snapshot()
		if compiled.Matches(&snap) {
			selfHits++
		}
	}
	if selfHits == 0 {
		return Suggestion{}, RejectSelfMiss
	}
	return s, ""
}

func dominantAccount(rows []*repository.Transaction) (int64, float64) {
	if len(rows) == 0 {
		return 0, 0
	}
	counts := map[int64]int{}
	for _, row := range rows {
		counts[row.AccountID]++
	}
	var best int64
	n := -1
	for id, c := range counts {
		if c > n || (c == n && id < best) {
			best, n = id, c
		}
	}
	return best, float64(n) / float64(len(rows))
}

// dominantSign returns income or expense when at least dominance of the non-zero amounts
// agree, and any otherwise.
func dominantSign(rows []*repository.Transaction, dominance float64) rules.AmountSign {
	pos, neg := 0, 0
	for _, row := range rows {
		switch {
		case row.Amount > 0:
			pos++
		case row.Amount < 0:
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return rules.SignAny
	}
	switch {
	case float64(pos)/float64(total) >= dominance:
		return rules.SignIncome
	case float64(neg)/float64(total) >= dominance:
		return rules.SignExpense
	}
	return rules.SignAny
}

// amountBand returns a cent-rounded band around the absolute amounts when they are tight
// enough: coefficient of variation within AmountMaxCV and spread within
// max(AmountAbsTolerance, AmountRelTolerance * mean).
func amountBand(rows []*repository.Transaction, opts MinerOptions) (float64, float64, bool) {
	if len(rows) == 0 {
		return 0, 0, false
	}
	values := make([]decimal.Decimal, len(rows))
	sum := decimal.Zero
	for i, row := range rows {
		values[i] = decimal.NewFromFloat(row.Amount).Abs()
		sum = sum.Add(values[i])
	}
	n := decimal.NewFromInt(int64(len(values)))
	mean := sum.Div(n)
	if !mean.IsPositive() {
		return 0, 0, false
	}
	lo, hi := values[0], values[0]
	var sq float64
	for _, v := range values {
		d := v.Sub(mean).InexactFloat64()
		sq += d * d
		lo = decimal.Min(lo, v)
		hi = decimal.Max(hi, v)
	}
	cv := math.Sqrt(sq/float64(len(values))) / mean.InexactFloat64()
	if cv > opts.AmountMaxCV {
		return 0, 0, false
	}
	tolerance := decimal.Max(decimal.NewFromFloat(opts.AmountAbsTolerance), mean.Mul(decimal.NewFromFloat(opts.AmountRelTolerance)))
	if hi.Sub(lo).GreaterThan(tolerance) {
		return 0, 0, false
	}
	return lo.RoundFloor(2).InexactFloat64(), hi.RoundCeil(2).InexactFloat64(), true
}

// confidence = 0.55 + 0.2*min(1, support/20) + 0.15*purity margin + min(0.1, 0.025*scopes),
// rounded to three decimals.
func confidence(support int, purity float64, scopes int, opts MinerOptions) float64 {
	margin := 1.0
	if opts.MinPurity < 1 {
		margin = (purity - opts.MinPurity) / (1 - opts.MinPurity)
	}
	margin = math.Max(0, math.Min(1, margin))
	c := 0.55 + 0.2*math.Min(1, float64(support)/20) + 0.15*margin + math.Min(0.1, 0.025*float64(scopes))
	return decimal.NewFromFloat(c).Round(3).InexactFloat64()
}

func suggestionLess(a, b Suggestion) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Support != b.Support {
		return a.Support > b.Support
	}
	if a.KeyKind != b.KeyKind {
		return a.KeyKind < b.KeyKind
	}
	return a.Key < b.Key
}

// rankSuggestions applies the total and per-category caps. In reserve mode bootstrap
// candidates get up to Quota slots of their own.
func rankSuggestions(candidates []Suggestion, opts MinerOptions) ([]Suggestion, int) {
	sort.SliceStable(candidates, func(i, j int) bool { return suggestionLess(candidates[i], candidates[j]) })
	perCategory := map[int64]int{}
	var out []Suggestion
	capped := 0
	take := func(s Suggestion, limit int) bool {
		if len(out) >= limit || (opts.MaxPerCategory > 0 && perCategory[s.CategoryID] >= opts.MaxPerCategory) {
			capped++
			return false
		}
		perCategory[s.CategoryID]++
		out = append(out, s)
		return true
	}

	if !opts.ReserveBootstrap {
		bootstrapTaken := 0
		for _, s := range candidates {
			if s.Bootstrap && bootstrapTaken >= opts.Bootstrap.Quota {
				capped++
				continue
			}
			if take(s, opts.MaxSuggestions) && s.Bootstrap {
				bootstrapTaken++
			}
		}
		return out, capped
	}

	var ordinary, boot []Suggestion
	for _, s := range candidates {
		if s.Bootstrap {
			boot = append(boot, s)
		} else {
			ordinary = append(ordinary, s)
		}
	}
	reserved := opts.Bootstrap.Quota
	if len(boot) < reserved {
		reserved = len(boot)
	}
	if reserved > opts.MaxSuggestions {
		reserved = opts.MaxSuggestions
	}
	for _, s := range ordinary {
		take(s, opts.MaxSuggestions-reserved)
	}
	limit := len(out) + reserved
	for _, s := range boot {
		take(s, limit)
	}
	sort.SliceStable(out, func(i, j int) bool { return suggestionLess(out[i], out[j]) })
	return out, capped
}

// Accept writes suggestions through the validated insert path in one unit of work.
// A non-nil ruleSetID overrides the set each suggestion was mined for.
func (m *Miner) Accept(ctx context.Context, suggestions []Suggestion, ruleSetID *int64) (BatchResult, error) {
	inputs := make([]RuleInput, 0, len(suggestions))
	for _, s := range suggestions {
		in := s.Rule
		if ruleSetID != nil {
			in.RuleSetID = int64Ptr(*ruleSetID)
		}
		inputs = append(inputs, in)
	}
	var res BatchResult
	err := database.WithTx(ctx, m.Engine.DB, func(tx *sql.Tx) error {
		w, err := newRuleWriter(ctx, m.Engine, tx)
		if err != nil {
			return err
		}
		res, err = w.insertAll(ctx, inputs, true)
		return err
	})
	if err != nil {
		return BatchResult{}, err
	}
	m.Engine.log().Info("suggestions accepted", "created", len(res.Created), "duplicates", res.Duplicates)
	return res, nil
}
