// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (DOCWEAVE_ prefix, runtime override)
//  2. Config file (~/.docweave/config.yaml)
//  3. Default values
//
// Sensitive data (the database password) is masked in MarshalJSON and
// never logged. Validation lives in validation.go and uses sentinel
// errors so callers can check failures with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Index backend identifiers used in Config.IndexBackend.
const (
	BackendPgvector = "pgvector"
	BackendQdrant   = "qdrant"
)

// Defaults for the retrieval pipeline. These mirror the values the
// retrieval service falls back to when a request leaves them unset.
const (
	// DefaultVectorDimension is the embedding width the schema is
	// provisioned for. Vectors of any other width are rejected.
	DefaultVectorDimension = 768

	// DefaultOverfetchFactor compensates for post-filtering losses:
	// the index is asked for maxChunks × factor candidates.
	DefaultOverfetchFactor = 4

	// DefaultMaxChunks bounds the number of chunks packed into one
	// context window.
	DefaultMaxChunks = 8

	// DefaultTokenBudget is the context budget applied when a request
	// does not carry its own.
	DefaultTokenBudget = 2048

	// DefaultDedupThreshold is the text-similarity level above which a
	// candidate chunk is considered a near-duplicate of an already
	// selected chunk from the same document.
	DefaultDedupThreshold = 0.85
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Storage configuration (see storage.go for DSN helpers)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding index configuration
	IndexBackend    string `mapstructure:"index_backend" json:"index_backend"` // "pgvector" (default) or "qdrant"
	QdrantHost      string `mapstructure:"qdrant_host" json:"qdrant_host"`
	QdrantPort      int    `mapstructure:"qdrant_port" json:"qdrant_port"`
	VectorDimension int    `mapstructure:"vector_dimension" json:"vector_dimension"`

	// Embedding service (external collaborator producing vectors)
	EmbedderURL string `mapstructure:"embedder_url" json:"embedder_url"`

	// Retrieval configuration
	OverfetchFactor int     `mapstructure:"overfetch_factor" json:"overfetch_factor"`
	MaxChunks       int     `mapstructure:"max_chunks" json:"max_chunks"`
	TokenBudget     int     `mapstructure:"token_budget" json:"token_budget"`
	DedupThreshold  float64 `mapstructure:"dedup_threshold" json:"dedup_threshold"`

	// Quota configuration
	UserTokensPerDay   int64   `mapstructure:"user_tokens_per_day" json:"user_tokens_per_day"`
	OrgTokensPerDay    int64   `mapstructure:"org_tokens_per_day" json:"org_tokens_per_day"`
	RequestsPerMinute  float64 `mapstructure:"requests_per_minute" json:"requests_per_minute"`
	RequestBurst       int     `mapstructure:"request_burst" json:"request_burst"`
	AuthorizedCacheTTL int     `mapstructure:"authorized_cache_ttl_seconds" json:"authorized_cache_ttl_seconds"`

	// HTTP server configuration
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
}

// MarshalJSON masks sensitive fields so Config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	return json.Marshal(masked)
}

// Load reads configuration from defaults, the optional config file and
// environment variables, in ascending priority order.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("DOCWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults + env apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// DATABASE_URL and QDRANT_URL override the individual settings
	// when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}
	if err := cfg.parseQdrantURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "docweave")
	v.SetDefault("postgres_db_name", "docweave")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("index_backend", BackendPgvector)
	v.SetDefault("qdrant_host", "localhost")
	v.SetDefault("qdrant_port", 6334)
	v.SetDefault("vector_dimension", DefaultVectorDimension)

	v.SetDefault("embedder_url", "http://localhost:8091")

	v.SetDefault("overfetch_factor", DefaultOverfetchFactor)
	v.SetDefault("max_chunks", DefaultMaxChunks)
	v.SetDefault("token_budget", DefaultTokenBudget)
	v.SetDefault("dedup_threshold", DefaultDedupThreshold)

	v.SetDefault("user_tokens_per_day", int64(200_000))
	v.SetDefault("org_tokens_per_day", int64(2_000_000))
	v.SetDefault("requests_per_minute", 30.0)
	v.SetDefault("request_burst", 10)
	v.SetDefault("authorized_cache_ttl_seconds", 60)

	v.SetDefault("server_addr", "127.0.0.1:8080")
	v.SetDefault("trust_proxy", false)
}

// configDir returns the docweave configuration directory, creating it
// with restrictive permissions when absent.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".docweave")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}
