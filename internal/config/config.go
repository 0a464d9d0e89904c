package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MemoryRemote selects the in-process backend instead of a remote one.
const MemoryRemote = "memory://"

// Blob backends.
const (
	BlobS3        = "s3"
	BlobPresigned = "presigned"
	BlobMemory    = "memory"
)

// Config holds all environment-based configuration for mirrorsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Local bbolt database. Defaults to ~/.mirrorsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Backend endpoints. REMOTE_URL=memory:// runs everything in-process.
	RemoteURL   string `env:"REMOTE_URL" envDefault:"memory://"`
	RemoteWSURL string `env:"REMOTE_WS_URL"`

	// Recovery credential used to rebind an identity on a fresh install.
	RecoveryCredential string `env:"RECOVERY_CREDENTIAL"`

	// The phone's own numbers. Messages that resolve to one of these are
	// never synced.
	OwnNumbers []string `env:"OWN_NUMBERS" envSeparator:","`

	// Device name this phone publishes alongside its key. Defaults to
	// system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory platform readers drop message batches into. Files left
	// behind by an offline pass are retried every SPOOL_RESCAN.
	SpoolDir      string        `env:"SPOOL_DIR"`
	SpoolDebounce time.Duration `env:"SPOOL_DEBOUNCE" envDefault:"500ms"`
	SpoolRescan   time.Duration `env:"SPOOL_RESCAN" envDefault:"1m"`

	// Sync coordinator tuning.
	ChunkSize         int           `env:"SYNC_CHUNK_SIZE" envDefault:"25"`
	Parallelism       int           `env:"SYNC_PARALLELISM" envDefault:"4"`
	ChunkDelay        time.Duration `env:"SYNC_CHUNK_DELAY" envDefault:"250ms"`
	RetryAttempts     int           `env:"SYNC_RETRY_ATTEMPTS" envDefault:"4"`
	RetryBase         time.Duration `env:"SYNC_RETRY_BASE" envDefault:"500ms"`
	RetryMax          time.Duration `env:"SYNC_RETRY_MAX" envDefault:"30s"`
	DeviceCacheTTL    time.Duration `env:"DEVICE_CACHE_TTL" envDefault:"5m"`
	ReconcileLimit    int           `env:"RECONCILE_LIMIT" envDefault:"500"`
	ClipboardDebounce time.Duration `env:"CLIPBOARD_DEBOUNCE" envDefault:"750ms"`
	NonPeerPatterns   []string      `env:"NON_PEER_PATTERNS" envSeparator:"," envDefault:"@rbm.goog,@bot.rcs,rbm.goog"`

	// Attachments at or below this size are inlined when upload fails.
	InlineMaxBytes int64 `env:"INLINE_MAX_BYTES" envDefault:"262144"`

	// Optional YAML file overriding the built-in plan tiers.
	PlansFile string `env:"PLANS_FILE"`

	// Blob store.
	BlobBackend string `env:"BLOB_BACKEND" envDefault:"memory"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "mirrorsync"
		}

		cfg.DeviceName = hostname
	}

	cfg.OwnNumbers = compact(cfg.OwnNumbers)
	cfg.NonPeerPatterns = compact(cfg.NonPeerPatterns)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SpoolDir != "" {
		absDir, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absDir
	}

	return cfg, nil
}

func compact(in []string) []string {
	out := in[:0]

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_URL is required (use %s for the in-process backend)", MemoryRemote)
	}

	if !c.InMemory() && c.RemoteWSURL == "" {
		return fmt.Errorf("REMOTE_WS_URL is required when REMOTE_URL is set")
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("SYNC_CHUNK_SIZE must be at least 1")
	}

	if c.Parallelism < 1 {
		return fmt.Errorf("SYNC_PARALLELISM must be at least 1")
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("SYNC_RETRY_ATTEMPTS must be at least 1")
	}

	if c.InlineMaxBytes < 0 {
		return fmt.Errorf("INLINE_MAX_BYTES must not be negative")
	}

	switch c.BlobBackend {
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	case BlobPresigned:
		if c.InMemory() {
			return fmt.Errorf("BLOB_BACKEND=presigned requires a remote backend")
		}
	case BlobMemory:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q (want s3, presigned or memory)", c.BlobBackend)
	}

	return nil
}

// InMemory reports whether the in-process backend is selected.
func (c *Config) InMemory() bool {
	return c.RemoteURL == MemoryRemote
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
