// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/host"
	"github.com/atmx/pool-ledger/internal/ledger"
	"github.com/atmx/pool-ledger/internal/model"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration
	ProgramID       address.Address
	Rent            host.Rent
	LogLevel        slog.Level
	FaucetEnabled   bool
	AutoMigrate     bool
	TokenMaxAge     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads the process environment.
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads settings through lookup; unset keys take defaults and
// malformed values are errors.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	rent := host.DefaultRent()

	cfg := &Config{
		Port:        r.str("PORT", "8080"),
		DatabaseURL: r.str("DATABASE_URL", ""),
		RedisURL:    r.str("REDIS_URL", ""),
		CacheTTL:    r.duration("CACHE_TTL", 30*time.Second),
		ProgramID:   r.address("PROGRAM_ID", ledger.DefaultProgramID),
		Rent: host.Rent{
			LamportsPerByteYear: r.uint("RENT_LAMPORTS_PER_BYTE_YEAR", rent.LamportsPerByteYear),
			ExemptionThreshold:  r.uint("RENT_EXEMPTION_THRESHOLD", rent.ExemptionThreshold),
		},
		LogLevel:        r.level("LOG_LEVEL", slog.LevelInfo),
		FaucetEnabled:   r.bool("FAUCET_ENABLED", false),
		AutoMigrate:     r.bool("AUTO_MIGRATE", false),
		TokenMaxAge:     r.duration("TOKEN_MAX_AGE", 5*time.Minute),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 5*time.Second),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Rent.Validate(max(model.PoolSpace, model.UserLedgerSpace)); err != nil {
		return nil, fmt.Errorf("config: RENT_LAMPORTS_PER_BYTE_YEAR x RENT_EXEMPTION_THRESHOLD: %w", err)
	}
	return cfg, nil
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) uint(key string, def uint64) uint64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		r.fail(key, v, err)
		return def
	}
	return l
}

func (r *reader) address(key string, def address.Address) address.Address {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	a, err := address.Parse(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return a
}
