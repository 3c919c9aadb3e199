// Package app wires the server's collaborators together: the
// KeyPackageRegistry, UserDirectory, and EnvelopeBroker, and the routed
// httpapi.Server on top of them, mirroring the client's own
// internal/app Wire/Config split.
package app

import (
	"path/filepath"
	"time"
)

// Config holds runtime wiring options for building a server Wire.
type Config struct {
	DataDir         string        // directory holding the three SQLite databases
	Port            int           // listen port
	EnableLogging   bool          // access-log toggle
	ReservationTTL  time.Duration // KeyPackage reservation lifetime
	CleanupInterval time.Duration // cleanup_expired sweep period; 0 disables the background sweep
}

// DefaultConfig mirrors spec.md §4.3's defaults: a 60s reservation TTL and
// an hourly expiry sweep.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		EnableLogging:   true,
		ReservationTTL:  60 * time.Second,
		CleanupInterval: time.Hour,
	}
}

func (c Config) registryPath() string  { return filepath.Join(c.DataDir, "keypackages.db") }
func (c Config) directoryPath() string { return filepath.Join(c.DataDir, "users.db") }
func (c Config) brokerPath() string    { return filepath.Join(c.DataDir, "envelopes.db") }
