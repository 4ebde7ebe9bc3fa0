package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidIndexBackend indicates the index backend is not supported.
	ErrInvalidIndexBackend = errors.New("invalid index backend")

	// ErrInvalidVectorDimension indicates the embedding dimension is out of range.
	ErrInvalidVectorDimension = errors.New("invalid vector dimension")

	// ErrInvalidOverfetchFactor indicates the overfetch factor is out of range.
	ErrInvalidOverfetchFactor = errors.New("invalid overfetch factor")

	// ErrInvalidDedupThreshold indicates the dedup threshold is outside (0, 1].
	ErrInvalidDedupThreshold = errors.New("invalid dedup threshold")

	// ErrInvalidTokenBudget indicates the default token budget is not positive.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidQuota indicates a quota ceiling is not positive.
	ErrInvalidQuota = errors.New("invalid quota configuration")
)

var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for structural problems. It returns
// the first validation error found, wrapped around a sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	switch c.IndexBackend {
	case BackendPgvector, BackendQdrant:
	default:
		return fmt.Errorf("%w: %q (must be %q or %q)",
			ErrInvalidIndexBackend, c.IndexBackend, BackendPgvector, BackendQdrant)
	}

	if c.VectorDimension < 1 || c.VectorDimension > 8192 {
		return fmt.Errorf("%w: %d", ErrInvalidVectorDimension, c.VectorDimension)
	}
	if c.OverfetchFactor < 1 || c.OverfetchFactor > 32 {
		return fmt.Errorf("%w: %d", ErrInvalidOverfetchFactor, c.OverfetchFactor)
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidDedupThreshold, c.DedupThreshold)
	}
	if c.TokenBudget < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidTokenBudget, c.TokenBudget)
	}

	if c.UserTokensPerDay < 1 || c.OrgTokensPerDay < 1 {
		return fmt.Errorf("%w: token ceilings must be positive", ErrInvalidQuota)
	}
	if c.RequestsPerMinute <= 0 || c.RequestBurst < 1 {
		return fmt.Errorf("%w: request-rate ceiling must be positive", ErrInvalidQuota)
	}

	return nil
}
