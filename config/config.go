// Package config holds the server configuration.
package config

import "time"

// Config is the top-level server configuration, loadable from flags and an
// optional config file.
type Config struct {
	// DataDir holds the action log database and the process lock file.
	DataDir string `mapstructure:"data-dir"`
	// LibraryDir is the directory holding the music files themselves.
	LibraryDir string `mapstructure:"library-dir"`
	// Listen is the address of the session listener.
	Listen string `mapstructure:"listen"`
	// TransferListen is the address of the file transfer listener.
	TransferListen string `mapstructure:"transfer-listen"`
	// PendingTimeout is how long a client has to start uploading after its
	// ADD or REPLACE was accepted.
	PendingTimeout time.Duration `mapstructure:"pending-timeout"`
	// LogLevel sets the minimum logged level (debug, info, warn, error).
	LogLevel string `mapstructure:"log-level"`
	// CollectMetrics enables the prometheus scrape endpoint.
	CollectMetrics bool `mapstructure:"metrics"`
	// MetricsListen is the address of the scrape endpoint.
	MetricsListen string `mapstructure:"metrics-listen"`
}

// DefaultConfig returns the defaults for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		DataDir:        "data",
		LibraryDir:     "library",
		Listen:         ":5000",
		TransferListen: ":5001",
		PendingTimeout: 10 * time.Second,
		LogLevel:       "info",
		CollectMetrics: false,
		MetricsListen:  ":5002",
	}
}
