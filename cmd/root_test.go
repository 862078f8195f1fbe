package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/config"
)

func withConfig(t *testing.T, cfg config.Config, err error) {
	t.Helper()
	prev := loadConfig
	loadConfig = func(string) (config.Config, error) { return cfg, err }
	t.Cleanup(func() { loadConfig = prev })
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "discover", "enrich", "supervise", "migrate"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMigrateRequiresDSN(t *testing.T) {
	withConfig(t, config.Config{}, nil)

	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestConfigErrorsStopCommands(t *testing.T) {
	withConfig(t, config.Config{}, errors.New("bad yaml"))

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad yaml")
}

func TestResolveRuntimeWithoutPreRun(t *testing.T) {
	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}
