package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/rulekit/internal/config"
	"github.com/jask/rulekit/internal/service"
)

func TestMinerOptionsMatchDefaults(t *testing.T) {
	t.Setenv("RULEKIT_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	got := minerOptions(cfg.Miner)
	require.Equal(t, service.DefaultMinerOptions(), got)
}

func TestCommandsHaveSummaries(t *testing.T) {
	for name, cmd := range commands {
		require.NotEmpty(t, cmd.summary, name)
		require.NotNil(t, cmd.run, name)
	}
}
