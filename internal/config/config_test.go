package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Matching.DateWindowDays)
	require.EqualValues(t, 100, cfg.Matching.FuzzyBandCents)
	require.InDelta(t, 0.75, cfg.Matching.ConfidenceThreshold, 1e-9)
	require.Equal(t, []string{"override", "match", "rule"}, cfg.Conflicts.Priority)
	require.True(t, cfg.Conflicts.AutoResolve)
	require.Equal(t, 30*time.Minute, cfg.Jobs.StalenessWindow)

	require.Equal(t, 100, cfg.Sources.BankFeed.PageSize)
	require.Equal(t, 250*time.Millisecond, cfg.Sources.BankFeed.MinInterval)
	require.Equal(t, 30*time.Second, cfg.Sources.Email.Timeout)
	require.Equal(t, 4, cfg.Sources.OrderAPI.MaxRetries)
	require.Equal(t, "RECEIPTSYNC_BANK_REFRESH_TOKEN", cfg.Sources.BankFeed.RefreshTokenEnv)
	require.Empty(t, cfg.Sources.BankFeed.TokenURL, "refresh disabled until an endpoint is configured")
	require.NotEmpty(t, cfg.Database.Path)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RECEIPTSYNC_MATCHING_DATE_WINDOW_DAYS", "7")
	t.Setenv("RECEIPTSYNC_JOBS_STALENESS_WINDOW", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Matching.DateWindowDays)
	require.Equal(t, 2*time.Hour, cfg.Jobs.StalenessWindow)
}
