package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/jask/rulekit/internal/config"
	"github.com/jask/rulekit/internal/service"
)

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// minerOptions maps the miner config section onto service options.
func minerOptions(c config.MinerConfig) service.MinerOptions {
	return service.MinerOptions{
		MinSupport:               c.MinSupport,
		MinPurity:                c.MinPurity,
		MaxConflictRate:          c.MaxConflictRate,
		MaxMatchRatioMerchant:    c.MaxMatchRatioMerchant,
		MaxMatchRatioDescription: c.MaxMatchRatioDescription,
		MaxSuggestions:           c.MaxSuggestions,
		MaxPerCategory:           c.MaxPerCategory,
		IncludeReviewed:          c.IncludeReviewed,
		MerchantMinLen:           c.MerchantMinLen,
		PhraseMinLen:             c.PhraseMinLen,
		PhraseMinTokens:          c.PhraseMinTokens,
		PhraseMaxTokens:          c.PhraseMaxTokens,
		SignDominance:            c.SignDominance,
		AccountDominance:         c.AccountDominance,
		AddAccountScope:          c.AddAccountScope,
		AddAmountBand:            c.AddAmountBand,
		AmountMaxCV:              c.AmountMaxCV,
		AmountAbsTolerance:       c.AmountAbsTolerance,
		AmountRelTolerance:       c.AmountRelTolerance,
		ReserveBootstrap:         c.ReserveBootstrap,
		Bootstrap: service.BootstrapOptions{
			Enabled:         c.Bootstrap.Enabled,
			MinSupport:      c.Bootstrap.MinSupport,
			MinKeyLen:       c.Bootstrap.MinKeyLen,
			MinPurity:       c.Bootstrap.MinPurity,
			MaxConflictRate: c.Bootstrap.MaxConflictRate,
			ConfidenceCap:   c.Bootstrap.ConfidenceCap,
			Quota:           c.Bootstrap.Quota,
		},
	}
}

// resolveSet accepts a rule set id or name. Empty means the active set and returns nil.
func resolveSet(ctx context.Context, a *app, ref string) (*int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if _, err := a.ruleSets().Get(ctx, id); err != nil {
			return nil, err
		}
		return &id, nil
	}
	rs, err := a.ruleSets().ByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &rs.ID, nil
}

// requireSet is resolveSet for flags that may not be empty.
func requireSet(ctx context.Context, a *app, flag, ref string) (int64, error) {
	if strings.TrimSpace(ref) == "" {
		return 0, fmt.Errorf("--%s is required", flag)
	}
	id, err := resolveSet(ctx, a, ref)
	if err != nil {
		return 0, err
	}
	return *id, nil
}
