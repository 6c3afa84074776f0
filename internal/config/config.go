package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxViewTokenTTL bounds how long a view token may outlive the ledger check
// that granted it.
const MaxViewTokenTTL = 10 * time.Minute

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

// Blob store backends.
const (
	BlobStoreMinIO  = "minio"
	BlobStoreFS     = "fs"
	BlobStoreMemory = "memory"
)

// Config aggregates runtime configuration for the timelock API.
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	MinIO     MinIOConfig
	Ledger    LedgerConfig
	BlobStore BlobStoreConfig
	ViewToken ViewTokenConfig
	Sealer    SealerConfig
	Upload    UploadConfig
	Metrics   MetricsConfig
	Log       LogConfig
	CORS      CORSConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MigrationURL returns the DSN in the form expected by the pgx/v5 migrate driver.
func (p PostgresConfig) MigrationURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MinIOConfig carries MinIO connection and bucket information.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
}

// LedgerConfig selects and tunes the expiry ledger.
type LedgerConfig struct {
	Backend           string
	SQLitePath        string
	Timeout           time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration
	ConflictTolerance time.Duration
}

// BlobStoreConfig selects and tunes the encrypted blob store.
type BlobStoreConfig struct {
	Backend string
	FSDir   string
	Timeout time.Duration
}

// ViewTokenConfig controls preview tokens. TTL is the window during which a
// token is honored without consulting the ledger again.
type ViewTokenConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// SealerConfig holds the master key used to derive per-blob keys.
type SealerConfig struct {
	MasterKeyHex string
}

// UploadConfig limits accepted uploads.
type UploadConfig struct {
	MaxBytes    int64
	MaxDuration time.Duration
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
}

// CORSConfig lists the origin allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigin string
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:         getString("TIMELOCK_API_HOST", "0.0.0.0"),
			Port:         getInt("TIMELOCK_API_PORT", 8080),
			ReadTimeout:  getDuration("TIMELOCK_API_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: getDuration("TIMELOCK_API_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getDuration("TIMELOCK_API_IDLE_TIMEOUT", 120*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getString("POSTGRES_USER", "timelock_app"),
			Password: getString("POSTGRES_PASSWORD", "change-me"),
			Database: getString("POSTGRES_DB", "timelock"),
			SSLMode:  strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),
		},
		MinIO: MinIOConfig{
			Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getString("MINIO_ROOT_USER", "timelock"),
			SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			Bucket:          getString("MINIO_BUCKET", "timelock-blobs"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Region:          getString("MINIO_REGION", ""),
		},
		Ledger: LedgerConfig{
			Backend:           strings.ToLower(getString("LEDGER_BACKEND", LedgerPostgres)),
			SQLitePath:        getString("LEDGER_SQLITE_PATH", "./ledger.db"),
			Timeout:           getDuration("LEDGER_TIMEOUT", 5*time.Second),
			RetryAttempts:     getInt("LEDGER_RETRY_ATTEMPTS", 3),
			RetryBackoff:      getDuration("LEDGER_RETRY_BACKOFF", 250*time.Millisecond),
			ConflictTolerance: getDuration("LEDGER_CONFLICT_TOLERANCE", 30*time.Second),
		},
		BlobStore: BlobStoreConfig{
			Backend: strings.ToLower(getString("BLOBSTORE_BACKEND", BlobStoreMinIO)),
			FSDir:   getString("BLOBSTORE_FS_DIR", "./blobs"),
			Timeout: getDuration("BLOBSTORE_TIMEOUT", 10*time.Second),
		},
		ViewToken: ViewTokenConfig{
			Secret: getString("VIEW_TOKEN_SECRET", ""),
			TTL:    getDuration("VIEW_TOKEN_TTL", 60*time.Second),
			Issuer: getString("VIEW_TOKEN_ISSUER", "timelock"),
		},
		Sealer: SealerConfig{
			MasterKeyHex: getString("SEALER_MASTER_KEY", ""),
		},
		Upload: UploadConfig{
			MaxBytes:    getInt64("UPLOAD_MAX_BYTES", 100*1024*1024),
			MaxDuration: getDuration("UPLOAD_MAX_DURATION", 0),
		},
		Metrics: MetricsConfig{
			PrometheusPath: getString("TIMELOCK_METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(getString("LOG_LEVEL", "info")),
		},
		CORS: CORSConfig{
			AllowedOrigin: getString("CORS_ALLOWED_ORIGIN", "*"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run safely with.
func (c Config) Validate() error {
	var errs []error

	switch c.Ledger.Backend {
	case LedgerPostgres, LedgerSQLite, LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend))
	}
	if c.Ledger.Timeout <= 0 {
		errs = append(errs, errors.New("LEDGER_TIMEOUT must be positive"))
	}
	if c.Ledger.RetryAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_RETRY_ATTEMPTS must be at least 1"))
	}

	switch c.BlobStore.Backend {
	case BlobStoreMinIO, BlobStoreFS, BlobStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BLOBSTORE_BACKEND %q", c.BlobStore.Backend))
	}
	if c.BlobStore.Timeout <= 0 {
		errs = append(errs, errors.New("BLOBSTORE_TIMEOUT must be positive"))
	}

	if c.ViewToken.TTL <= 0 || c.ViewToken.TTL > MaxViewTokenTTL {
		errs = append(errs, fmt.Errorf("VIEW_TOKEN_TTL must be in (0, %s]", MaxViewTokenTTL))
	}
	if c.ViewToken.Secret != "" && len(c.ViewToken.Secret) < 32 {
		errs = append(errs, errors.New("VIEW_TOKEN_SECRET must be at least 32 bytes"))
	}

	if c.Sealer.MasterKeyHex != "" {
		key, err := hex.DecodeString(c.Sealer.MasterKeyHex)
		if err != nil || len(key) != 32 {
			errs = append(errs, errors.New("SEALER_MASTER_KEY must be 32 bytes of hex"))
		}
	}

	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.Upload.MaxDuration < 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_DURATION must not be negative"))
	}

	return errors.Join(errs...)
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
