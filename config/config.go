/*
Package config loads the redemption server configuration.

SOURCES (later wins):
  1. Defaults (Default)
  2. Optional YAML file (-config path)
  3. REDEMPTION_* environment variables
  4. Command-line flags (cmd/server)

EXAMPLE FILE:
  http:
    port: 8080
  database:
    path: ./data/points.db
  provider:
    kind: shopify
    shop_domain: example.myshopify.com
    access_token: shpat_...
    timeout: 10s
    grace: 1m
  reconciler:
    interval: 1m
    stale_after: 5m
  milestones:
    - threshold: 10
      reward_name: Referral Tier 1
      item_ref: gid://shopify/ProductVariant/1001
  log:
    level: info
    format: text
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/points-redemption/rewards"
	"gopkg.in/yaml.v3"
)

// Provider kinds.
const (
	ProviderShopify = "shopify"
	ProviderMemory  = "memory"
)

// Config is the full server configuration.
type Config struct {
	HTTP       HTTPConfig          `yaml:"http"`
	Database   DatabaseConfig      `yaml:"database"`
	Provider   ProviderConfig      `yaml:"provider"`
	Reconciler ReconcilerConfig    `yaml:"reconciler"`
	Milestones []rewards.Milestone `yaml:"milestones"`
	Log        LogConfig           `yaml:"log"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ProviderConfig struct {
	Kind        string        `yaml:"kind"`
	ShopDomain  string        `yaml:"shop_domain"`
	APIVersion  string        `yaml:"api_version"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
	Grace       time.Duration `yaml:"grace"`
}

type ReconcilerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the development configuration: in-memory provider,
// local SQLite file, default milestone catalog.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Path: "./data/points.db"},
		Provider: ProviderConfig{
			Kind:       ProviderMemory,
			APIVersion: "2024-10",
			Timeout:    10 * time.Second,
			Grace:      time.Minute,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 5 * time.Minute,
		},
		Milestones: rewards.DefaultMilestones(),
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// ApplyEnv overlays REDEMPTION_* variables read through lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("REDEMPTION_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REDEMPTION_PORT: %w", err))
		} else {
			c.HTTP.Port = port
		}
	}
	str("REDEMPTION_DB_PATH", &c.Database.Path)
	str("REDEMPTION_PROVIDER", &c.Provider.Kind)
	str("REDEMPTION_SHOP_DOMAIN", &c.Provider.ShopDomain)
	str("REDEMPTION_SHOPIFY_API_VERSION", &c.Provider.APIVersion)
	str("REDEMPTION_SHOPIFY_ACCESS_TOKEN", &c.Provider.AccessToken)
	dur("REDEMPTION_PROVIDER_TIMEOUT", &c.Provider.Timeout)
	dur("REDEMPTION_DEACTIVATE_GRACE", &c.Provider.Grace)
	dur("REDEMPTION_RECONCILE_INTERVAL", &c.Reconciler.Interval)
	dur("REDEMPTION_STALE_AFTER", &c.Reconciler.StaleAfter)
	str("REDEMPTION_LOG_LEVEL", &c.Log.Level)
	str("REDEMPTION_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be 1-65535, got %d", c.HTTP.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	switch c.Provider.Kind {
	case ProviderMemory:
	case ProviderShopify:
		if c.Provider.ShopDomain == "" {
			errs = append(errs, errors.New("provider.shop_domain is required for shopify"))
		}
		if c.Provider.AccessToken == "" {
			errs = append(errs, errors.New("provider.access_token is required for shopify"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be %q or %q, got %q", ProviderShopify, ProviderMemory, c.Provider.Kind))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}
	if c.Provider.Grace < 0 {
		errs = append(errs, errors.New("provider.grace must not be negative"))
	}

	if c.Reconciler.Enabled {
		if c.Reconciler.Interval <= 0 {
			errs = append(errs, errors.New("reconciler.interval must be positive"))
		}
		if c.Reconciler.StaleAfter <= 0 {
			errs = append(errs, errors.New("reconciler.stale_after must be positive"))
		}
	}

	if _, err := rewards.NewCatalog(c.Milestones); err != nil {
		errs = append(errs, fmt.Errorf("milestones: %w", err))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
