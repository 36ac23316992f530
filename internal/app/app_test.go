package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitplatform/matchsync/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "backfill"

	a := New(&cfg, quietLogger())
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
	a.Close()
}

func TestReplayWithoutJournalFails(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.ModeReplay
	cfg.Supabase.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false

	a := New(&cfg, quietLogger())
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no event journal")

	a.Close()
	a.Close()
}

func TestEveryModeHasRunner(t *testing.T) {
	for _, mode := range []string{config.ModeSync, config.ModeServer, config.ModeFull, config.ModeReplay} {
		assert.Contains(t, runners, mode)
	}
}
