package engine

import (
	"log/slog"
	"time"
)

const (
	defaultCallTimeout       = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultRehydrateInterval = time.Hour
	defaultMigrateInterval   = 72 * time.Hour
	defaultMigrateThreshold  = 1000
	defaultStatsInterval     = 5 * time.Minute
)

// config stores resolved engine settings after option application.
type config struct {
	callTimeout       time.Duration
	shutdownTimeout   time.Duration
	rehydrateInterval time.Duration
	migrateInterval   time.Duration
	migrateThreshold  int
	statsInterval     time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// Option mutates engine construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		callTimeout:       defaultCallTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		rehydrateInterval: defaultRehydrateInterval,
		migrateInterval:   defaultMigrateInterval,
		migrateThreshold:  defaultMigrateThreshold,
		statsInterval:     defaultStatsInterval,
		logger:            slog.Default(),
		now:               time.Now,
	}
}

// WithLogger injects the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCallTimeout bounds every durable store call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.callTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the final queue drain after Run's context is cancelled.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithRehydrateInterval sets how often the cache is rebuilt from the durable store.
func WithRehydrateInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.rehydrateInterval = interval
		}
	}
}

// WithMigrateInterval sets the period of time-based tier migration.
func WithMigrateInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.migrateInterval = interval
		}
	}
}

// WithMigrateThreshold sets the number of noticed active entries that triggers a migration
// at the end of a rehydration pass. Zero disables the size-based trigger.
func WithMigrateThreshold(threshold int) Option {
	return func(cfg *config) {
		if threshold >= 0 {
			cfg.migrateThreshold = threshold
		}
	}
}

// WithStatsInterval sets how often cache and queue sizes are logged.
func WithStatsInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.statsInterval = interval
		}
	}
}

// WithClock overrides the wall clock used for migration scheduling.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}
