package recstore

import "log/slog"

// ProgressFunc reports how many bytes of the data area a scan has covered.
type ProgressFunc func(done, total uint32)

// Config holds the store configuration.
type Config struct {
	// Layout is the device address map
	Layout Layout

	// CacheCapacity is the number of queryable records
	CacheCapacity int

	// Logger receives store diagnostics (optional)
	Logger *slog.Logger

	// Progress is called while the data area is scanned (optional)
	Progress ProgressFunc
}

func defaultConfig() Config {
	return Config{
		Layout:        DefaultLayout(),
		CacheCapacity: DefaultCacheCapacity,
		Logger:        slog.New(slog.DiscardHandler),
	}
}

// Option is a functional option for configuring the Store.
type Option func(*Config)

// WithLayout sets the device address map.
func WithLayout(l Layout) Option {
	return func(c *Config) {
		c.Layout = l
	}
}

// WithCacheCapacity sets how many of the most recent records stay queryable.
func WithCacheCapacity(n int) Option {
	return func(c *Config) {
		c.CacheCapacity = n
	}
}

// WithLogger sets the logger for store diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithProgress registers a callback for data area scans.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}
