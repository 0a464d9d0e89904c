package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"STATE_PATH",
		"REMOTE_URL",
		"REMOTE_WS_URL",
		"RECOVERY_CREDENTIAL",
		"OWN_NUMBERS",
		"DEVICE_NAME",
		"SPOOL_DIR",
		"SPOOL_DEBOUNCE",
		"SPOOL_RESCAN",
		"SYNC_CHUNK_SIZE",
		"SYNC_PARALLELISM",
		"SYNC_CHUNK_DELAY",
		"SYNC_RETRY_ATTEMPTS",
		"SYNC_RETRY_BASE",
		"SYNC_RETRY_MAX",
		"DEVICE_CACHE_TTL",
		"RECONCILE_LIMIT",
		"CLIPBOARD_DEBOUNCE",
		"NON_PEER_PATTERNS",
		"INLINE_MAX_BYTES",
		"PLANS_FILE",
		"BLOB_BACKEND",
		"S3_BUCKET",
		"S3_REGION",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY",
		"S3_SECRET_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.InMemory())
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 25, cfg.ChunkSize)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, 250*time.Millisecond, cfg.ChunkDelay)
	assert.Equal(t, 4, cfg.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 30*time.Second, cfg.RetryMax)
	assert.Equal(t, 5*time.Minute, cfg.DeviceCacheTTL)
	assert.Equal(t, 500, cfg.ReconcileLimit)
	assert.Equal(t, int64(262144), cfg.InlineMaxBytes)
	assert.Equal(t, BlobMemory, cfg.BlobBackend)
	assert.Contains(t, cfg.NonPeerPatterns, "@rbm.goog")
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestLoad_OwnNumbersTrimmed(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OWN_NUMBERS", " +1 555 010 0001 ,,5550100002")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"+1 555 010 0001", "5550100002"}, cfg.OwnNumbers)
}

func TestLoad_RemoteRequiresWebsocket(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REMOTE_URL", "https://api.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_WS_URL")

	t.Setenv("REMOTE_WS_URL", "wss://api.example.com/v1/subscribe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.InMemory())
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero chunk", map[string]string{"SYNC_CHUNK_SIZE": "0"}, "SYNC_CHUNK_SIZE"},
		{"zero parallelism", map[string]string{"SYNC_PARALLELISM": "0"}, "SYNC_PARALLELISM"},
		{"zero attempts", map[string]string{"SYNC_RETRY_ATTEMPTS": "0"}, "SYNC_RETRY_ATTEMPTS"},
		{"negative inline", map[string]string{"INLINE_MAX_BYTES": "-1"}, "INLINE_MAX_BYTES"},
		{"s3 without bucket", map[string]string{"BLOB_BACKEND": "s3"}, "S3_BUCKET"},
		{"presigned in memory", map[string]string{"BLOB_BACKEND": "presigned"}, "presigned"},
		{"unknown backend", map[string]string{"BLOB_BACKEND": "ftp"}, "BLOB_BACKEND"},
		{"bad duration", map[string]string{"SYNC_CHUNK_DELAY": "soon"}, "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_SpoolDirAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SPOOL_DIR", "relative/spool")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.SpoolDir))
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestLoadPlans_Defaults(t *testing.T) {
	plans, err := LoadPlans("")
	require.NoError(t, err)
	assert.Contains(t, plans, DefaultPlan)
	assert.Equal(t, 3, plans["free"].DeviceLimit)
	assert.Equal(t, 14, plans["trial"].TrialDays)
}

func TestLoadPlans_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - name: free
    device_limit: 1
    monthly_bytes: 1000
    storage_bytes: 5000
  - name: family
    device_limit: 20
`), 0o600))

	plans, err := LoadPlans(path)
	require.NoError(t, err)
	assert.Equal(t, 1, plans["free"].DeviceLimit)
	assert.Equal(t, int64(1000), plans["free"].MonthlyBytes)
	assert.Equal(t, 20, plans["family"].DeviceLimit)
	assert.Contains(t, plans, "pro")
}

func TestLoadPlans_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPlans(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading plans file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("plans: [: nope"), 0o600))
	_, err = LoadPlans(bad)
	assert.ErrorContains(t, err, "parsing plans file")

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("plans:\n  - device_limit: 2\n"), 0o600))
	_, err = LoadPlans(unnamed)
	assert.ErrorContains(t, err, "no name")

	negative := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("plans:\n  - name: x\n    device_limit: -1\n"), 0o600))
	_, err = LoadPlans(negative)
	assert.ErrorContains(t, err, "negative")
}
