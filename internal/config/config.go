// Package config loads runtime settings from a YAML file and SUBSCRIPTIONDB_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SUBSCRIPTIONDB_"

// Config is the resolved service configuration.
type Config struct {
	Database Database
	Cache    Cache
	Engine   Engine
	Server   Server
	Harvest  Harvest
}

// Database selects the durable store.
type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string
	// CallTimeout bounds every durable store call.
	CallTimeout time.Duration
}

// Cache selects the cache backend.
type Cache struct {
	// Backend is "memory" or "redis".
	Backend  string
	RedisURL string
	Prefix   string
}

// Engine tunes the pipelines and periodic jobs.
type Engine struct {
	RehydrateInterval time.Duration
	MigrateInterval   time.Duration
	// MigrateThreshold is the noticed-entry count that triggers a migration after a
	// rehydration. Zero disables it.
	MigrateThreshold int
	StatsInterval    time.Duration
	ShutdownTimeout  time.Duration
}

// Server configures the HTTP listener.
type Server struct {
	Addr string
	// RestrictMode admits only clients listed in Whitelist.
	RestrictMode bool
	Whitelist    []string
}

// Harvest configures the feed poller. An empty source list and OPML path disables it.
type Harvest struct {
	Interval time.Duration
	OPMLFile string
	Sources  []model.Source
}

type fileConfig struct {
	Database struct {
		Driver      string `yaml:"driver"`
		DSN         string `yaml:"dsn"`
		CallTimeout string `yaml:"call_timeout"`
	} `yaml:"database"`
	Cache struct {
		Backend  string `yaml:"backend"`
		RedisURL string `yaml:"redis_url"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"cache"`
	Engine struct {
		RehydrateInterval string `yaml:"rehydrate_interval"`
		MigrateInterval   string `yaml:"migrate_interval"`
		MigrateThreshold  *int   `yaml:"migrate_threshold"`
		StatsInterval     string `yaml:"stats_interval"`
		ShutdownTimeout   string `yaml:"shutdown_timeout"`
	} `yaml:"engine"`
	Server struct {
		Addr         string   `yaml:"addr"`
		RestrictMode *bool    `yaml:"restrict_mode"`
		Whitelist    []string `yaml:"whitelist"`
	} `yaml:"server"`
	Harvest struct {
		Interval string         `yaml:"interval"`
		OPMLFile string         `yaml:"opml_file"`
		Sources  []model.Source `yaml:"sources"`
	} `yaml:"harvest"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Driver:      "sqlite",
			DSN:         "data/subscriptiondb.db",
			CallTimeout: 10 * time.Second,
		},
		Cache: Cache{
			Backend: "memory",
			Prefix:  "subscriptiondb:",
		},
		Engine: Engine{
			RehydrateInterval: time.Hour,
			MigrateInterval:   72 * time.Hour,
			MigrateThreshold:  1000,
			StatsInterval:     5 * time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
		Server: Server{
			Addr: ":3000",
		},
		Harvest: Harvest{
			Interval: 30 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped when path is
// empty), then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(raw); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(raw []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}

	setString(&c.Database.Driver, fc.Database.Driver)
	setString(&c.Database.DSN, fc.Database.DSN)
	setString(&c.Cache.Backend, fc.Cache.Backend)
	setString(&c.Cache.RedisURL, fc.Cache.RedisURL)
	setString(&c.Cache.Prefix, fc.Cache.Prefix)
	setString(&c.Server.Addr, fc.Server.Addr)
	setString(&c.Harvest.OPMLFile, fc.Harvest.OPMLFile)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.call_timeout", fc.Database.CallTimeout, &c.Database.CallTimeout},
		{"engine.rehydrate_interval", fc.Engine.RehydrateInterval, &c.Engine.RehydrateInterval},
		{"engine.migrate_interval", fc.Engine.MigrateInterval, &c.Engine.MigrateInterval},
		{"engine.stats_interval", fc.Engine.StatsInterval, &c.Engine.StatsInterval},
		{"engine.shutdown_timeout", fc.Engine.ShutdownTimeout, &c.Engine.ShutdownTimeout},
		{"harvest.interval", fc.Harvest.Interval, &c.Harvest.Interval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}

	if fc.Engine.MigrateThreshold != nil {
		c.Engine.MigrateThreshold = *fc.Engine.MigrateThreshold
	}
	if fc.Server.RestrictMode != nil {
		c.Server.RestrictMode = *fc.Server.RestrictMode
	}
	if fc.Server.Whitelist != nil {
		c.Server.Whitelist = fc.Server.Whitelist
	}
	if fc.Harvest.Sources != nil {
		c.Harvest.Sources = fc.Harvest.Sources
	}
	return nil
}

// applyEnv reads SUBSCRIPTIONDB_* overrides through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("DB_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := get("DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := get("CACHE_BACKEND"); ok {
		c.Cache.Backend = v
	}
	if v, ok := get("REDIS_URL"); ok {
		c.Cache.RedisURL = v
	}
	if v, ok := get("ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := get("WHITELIST"); ok {
		c.Server.Whitelist = splitList(v)
	}
	if v, ok := get("RESTRICT_MODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRESTRICT_MODE: %w", EnvPrefix, err)
		}
		c.Server.RestrictMode = b
	}
	if v, ok := get("MIGRATE_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMIGRATE_THRESHOLD: %w", EnvPrefix, err)
		}
		c.Engine.MigrateThreshold = n
	}
	if v, ok := get("OPML_FILE"); ok {
		c.Harvest.OPMLFile = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"CALL_TIMEOUT", &c.Database.CallTimeout},
		{"REHYDRATE_INTERVAL", &c.Engine.RehydrateInterval},
		{"MIGRATE_INTERVAL", &c.Engine.MigrateInterval},
		{"HARVEST_INTERVAL", &c.Harvest.Interval},
	}
	for _, d := range durations {
		if v, ok := get(d.name); ok {
			if err := setDuration(d.dst, EnvPrefix+d.name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"database.call_timeout", c.Database.CallTimeout},
		{"engine.rehydrate_interval", c.Engine.RehydrateInterval},
		{"engine.migrate_interval", c.Engine.MigrateInterval},
		{"engine.stats_interval", c.Engine.StatsInterval},
		{"engine.shutdown_timeout", c.Engine.ShutdownTimeout},
		{"harvest.interval", c.Harvest.Interval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Engine.MigrateThreshold < 0 {
		errs = append(errs, errors.New("engine.migrate_threshold must not be negative"))
	}
	if c.Server.RestrictMode && len(c.Server.Whitelist) == 0 {
		errs = append(errs, errors.New("server.whitelist is required in restrict mode"))
	}
	for i, s := range c.Harvest.Sources {
		if s.Type == "" || s.Nickname == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("harvest.sources[%d] needs type, nickname and url", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
