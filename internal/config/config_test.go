package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv isolates a test from the developer's shell and any .env file.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MAILMIRROR_CONFIG", "MAILMIRROR_DB_PATH", "MAILMIRROR_SOURCE_ROOT",
		"MAILMIRROR_ENVELOPE_INDEX", "MAILMIRROR_ACCOUNTS", "MAILMIRROR_BATCH_SIZE",
		"MAILMIRROR_PARSE_WORKERS", "MAILMIRROR_LEASE_TTL", "MAILMIRROR_POLL_INTERVAL",
		"MAILMIRROR_FULL_SYNC_EVERY", "MAILMIRROR_BUSY_TIMEOUT", "MAILMIRROR_LOG_LEVEL",
		"MAILMIRROR_LOG_FORMAT", "MAILMIRROR_METRICS_ADDR", "MAILMIRROR_API_TOKEN",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("MAILMIRROR_ENV", "production")
}

func TestNewConfigWithDefaults(t *testing.T) {
	clearEnv(t)

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 250, config.BatchSize)
	assert.Equal(t, runtime.NumCPU(), config.ParseWorkers)
	assert.Equal(t, 10*time.Minute, config.LeaseTTL)
	assert.Equal(t, 5*time.Minute, config.PollInterval)
	assert.Equal(t, 12, config.FullSyncEvery)
	assert.Equal(t, 5*time.Second, config.BusyTimeout)
	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, filepath.Join(config.SourceRoot, "MailData", "Envelope Index"), config.EnvelopeIndex)
	assert.Empty(t, config.Accounts)
}

func TestNewConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAILMIRROR_DB_PATH", "/tmp/mirror.db")
	t.Setenv("MAILMIRROR_SOURCE_ROOT", "/data/Mail/V10")
	t.Setenv("MAILMIRROR_ACCOUNTS", " A-1 , B-2,, ")
	t.Setenv("MAILMIRROR_BATCH_SIZE", "50")
	t.Setenv("MAILMIRROR_LEASE_TTL", "90s")
	t.Setenv("MAILMIRROR_LOG_FORMAT", "console")
	t.Setenv("MAILMIRROR_API_TOKEN", "s3cret")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mirror.db", config.DBPath)
	assert.Equal(t, "s3cret", config.APIToken)
	assert.Equal(t, "/data/Mail/V10", config.SourceRoot)
	assert.Equal(t, "/data/Mail/V10/MailData/Envelope Index", config.EnvelopeIndex)
	assert.Equal(t, []string{"A-1", "B-2"}, config.Accounts)
	assert.Equal(t, 50, config.BatchSize)
	assert.Equal(t, 90*time.Second, config.LeaseTTL)
	assert.Equal(t, "console", config.LogFormat)
}

func TestNewConfigFromFile(t *testing.T) {
	files := map[string]string{
		"mirror.yaml": `
db_path: /srv/mirror.db
source_root: /srv/Mail
accounts: [acct-1, acct-2]
batch_size: 100
poll_interval: 30s
`,
		"mirror.toml": `
db_path = "/srv/mirror.db"
source_root = "/srv/Mail"
accounts = ["acct-1", "acct-2"]
batch_size = 100
poll_interval = "30s"
`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			t.Setenv("MAILMIRROR_CONFIG", path)

			config, err := NewConfig()
			require.NoError(t, err)

			assert.Equal(t, "/srv/mirror.db", config.DBPath)
			assert.Equal(t, "/srv/Mail/MailData/Envelope Index", config.EnvelopeIndex)
			assert.Equal(t, []string{"acct-1", "acct-2"}, config.Accounts)
			assert.Equal(t, 100, config.BatchSize)
			assert.Equal(t, 30*time.Second, config.PollInterval)
		})
	}

	t.Run("env overrides file", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "mirror.yaml")
		require.NoError(t, os.WriteFile(path, []byte("batch_size: 100\n"), 0o600))
		t.Setenv("MAILMIRROR_CONFIG", path)
		t.Setenv("MAILMIRROR_BATCH_SIZE", "7")

		config, err := NewConfig()
		require.NoError(t, err)
		assert.Equal(t, 7, config.BatchSize)
	})

	t.Run("unknown extension", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "mirror.ini")
		require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))
		t.Setenv("MAILMIRROR_CONFIG", path)

		_, err := NewConfig()
		assert.Error(t, err)
	})
}

func TestNewConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MAILMIRROR_BATCH_SIZE", "0"},
		{"MAILMIRROR_BATCH_SIZE", "lots"},
		{"MAILMIRROR_PARSE_WORKERS", "-1"},
		{"MAILMIRROR_LEASE_TTL", "forever"},
		{"MAILMIRROR_POLL_INTERVAL", "-5m"},
		{"MAILMIRROR_LOG_FORMAT", "xml"},
		{"MAILMIRROR_ACCOUNTS", "../etc"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
