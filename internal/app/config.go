package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/shhac/scout/internal/endpoint"
	apperrors "github.com/shhac/scout/internal/errors"
)

// Config holds application-wide configuration.
type Config struct {
	// Debug enables debug logging and additional diagnostics
	Debug bool

	// CachePath is the directory discovery results are persisted in.
	// Empty means storage.DefaultCachePath().
	CachePath string

	// MemoryCache keeps discovery results in process memory only.
	MemoryCache bool

	// CacheTTL is how long a cached discovery result is trusted. Zero
	// trusts cached results forever.
	CacheTTL time.Duration

	// Timeout bounds each reflection session and each unary call.
	Timeout time.Duration

	// KeepaliveTime and KeepaliveTimeout configure keepalive pings on
	// pooled connections. A zero KeepaliveTime disables them.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxAttempts caps how many candidates a race launches.
	MaxAttempts int

	// AdaptiveTimeoutPercent is the margin over the fastest response after
	// which slower attempts are abandoned.
	AdaptiveTimeoutPercent float64

	// WaitForAll lets every race attempt settle.
	WaitForAll bool

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string

	// ProviderBonus biases endpoint ranking toward known providers.
	ProviderBonus []endpoint.BonusRule
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	race := endpoint.DefaultRaceOptions()
	return &Config{
		Debug:                  false,
		CachePath:              "", // Will use DefaultCachePath() from storage package
		CacheTTL:               time.Hour,
		Timeout:                10 * time.Second,
		KeepaliveTime:          5 * time.Minute,
		KeepaliveTimeout:       20 * time.Second,
		MaxAttempts:            race.MaxAttempts,
		AdaptiveTimeoutPercent: race.AdaptiveTimeoutPercent,
	}
}

// ConfigFromEnv creates a configuration from environment variables.
// Unparseable values are ignored and the default kept.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("SCOUT_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = debug
		}
	}

	if v := os.Getenv("SCOUT_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}

	if v := os.Getenv("SCOUT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("SCOUT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}

	if v := os.Getenv("SCOUT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}

	if v := os.Getenv("SCOUT_ADAPTIVE_TIMEOUT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AdaptiveTimeoutPercent = pct
		}
	}

	if v := os.Getenv("SCOUT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("SCOUT_PREFER"); v != "" {
		if rules, err := ParseBonusRules(strings.Split(v, ",")); err == nil {
			cfg.ProviderBonus = rules
		}
	}

	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	if c.Timeout <= 0 {
		errs = multierr.Append(errs, apperrors.ValidationError{Field: "timeout", Message: fmt.Sprintf("must be > 0, got %v", c.Timeout)})
	}
	if c.CacheTTL < 0 {
		errs = multierr.Append(errs, apperrors.ValidationError{Field: "cache-ttl", Message: fmt.Sprintf("must be >= 0, got %v", c.CacheTTL)})
	}
	if c.KeepaliveTime < 0 || c.KeepaliveTimeout < 0 {
		errs = multierr.Append(errs, apperrors.ValidationError{Field: "keepalive", Message: "durations must be >= 0"})
	}
	if c.MaxAttempts < 1 {
		errs = multierr.Append(errs, apperrors.ValidationError{Field: "max-attempts", Message: fmt.Sprintf("must be >= 1, got %d", c.MaxAttempts)})
	}
	if c.AdaptiveTimeoutPercent < 0 {
		errs = multierr.Append(errs, apperrors.ValidationError{Field: "adaptive-timeout", Message: fmt.Sprintf("must be >= 0, got %v", c.AdaptiveTimeoutPercent)})
	}
	return errs
}

// RaceOptions returns the race settings carried by the config.
func (c *Config) RaceOptions() endpoint.RaceOptions {
	return endpoint.RaceOptions{
		AdaptiveTimeoutPercent: c.AdaptiveTimeoutPercent,
		MaxAttempts:            c.MaxAttempts,
		WaitForAll:             c.WaitForAll,
	}
}

// ParseBonusRules parses "substring=points" pairs.
func ParseBonusRules(args []string) ([]endpoint.BonusRule, error) {
	rules := make([]endpoint.BonusRule, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		sub, pts, ok := strings.Cut(arg, "=")
		if !ok || sub == "" {
			return nil, apperrors.ValidationError{Field: "prefer", Message: fmt.Sprintf("expected substring=points, got %q", arg)}
		}
		points, err := strconv.ParseFloat(pts, 64)
		if err != nil {
			return nil, apperrors.ValidationError{Field: "prefer", Message: fmt.Sprintf("invalid points in %q", arg)}
		}
		rules = append(rules, endpoint.BonusRule{Substring: sub, Points: points})
	}
	return rules, nil
}
