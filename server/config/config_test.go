package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	man := NewManager(&cobra.Command{})
	cfg := man.LoadConfig()

	require.Equal(t, "localhost:3306", cfg.Mysql.Address)
	require.Equal(t, 3, cfg.Queue.MaxConcurrent)
	require.Equal(t, 10*time.Minute, cfg.Queue.JobTimeout)
	require.True(t, cfg.Queue.EnableAutoRetry)
	require.True(t, cfg.Breaker.Enabled)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Empty(t, cfg.Sentry.Dsn)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PODSUB_QUEUE_MAX_CONCURRENT", "8")
	t.Setenv("PODSUB_LOGGING_DEBUG", "true")
	t.Setenv("PODSUB_MYSQL_ADDRESS", "db.internal:3306")

	man := NewManager(&cobra.Command{})
	cfg := man.LoadConfig()

	require.Equal(t, 8, cfg.Queue.MaxConcurrent)
	require.True(t, cfg.Logging.Debug)
	require.Equal(t, "db.internal:3306", cfg.Mysql.Address)
}

func TestFlagOverride(t *testing.T) {
	cmd := &cobra.Command{}
	man := NewManager(cmd)

	require.NoError(t, cmd.PersistentFlags().Set("worker_count", "7"))
	require.NoError(t, cmd.PersistentFlags().Set("queue_retry_delay", "45s"))

	cfg := man.LoadConfig()
	require.Equal(t, 7, cfg.Worker.Count)
	require.Equal(t, 45*time.Second, cfg.Queue.RetryDelay)
}
