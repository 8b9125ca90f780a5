package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError} {
		got, err := parseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestLoadConfigWithMemoryStore(t *testing.T) {
	t.Setenv("ORCHESTRATOR_STORE", "memory")
	t.Setenv("ORCHESTRATOR_AUTH_MODE", "dev")
	t.Setenv("ORCHESTRATOR_MINIO_ENDPOINT", "")
	t.Setenv("ORCHESTRATOR_ITSM_BASE_URL", "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, storeMemory, cfg.store)
	assert.False(t, cfg.objects.Enabled())
	assert.False(t, cfg.itsm.Enabled())
	assert.NoError(t, cfg.retry.Validate())
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("ORCHESTRATOR_STORE", "sqlite")
	_, err := loadConfig()
	assert.ErrorContains(t, err, "ORCHESTRATOR_STORE")
}

func TestMigrateNeedsPostgres(t *testing.T) {
	st, err := openStores(context.Background(), storeMemory)
	require.NoError(t, err)
	assert.Error(t, migrate(context.Background(), st))
	assert.Empty(t, st.checks)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate"}, names)
}
