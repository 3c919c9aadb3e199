package keypackagepool

import "time"

// Config holds the KeyPackagePool's tunable replenishment policy
// (spec.md §4.2 Configuration).
type Config struct {
	// TargetSize is the preferred pool size after replenishment.
	TargetSize int
	// LowWatermark is the available+reserved count below which
	// replenishment is triggered.
	LowWatermark int
	// HardCap bounds how many KeyPackages may exist at once; replenishment
	// never generates past it.
	HardCap int
	// KeyPackageLifetime is not_after - not_before for freshly minted
	// KeyPackages.
	KeyPackageLifetime time.Duration
	// RefreshPeriod is the minimum wall-clock interval between automatic
	// maintenance passes triggered by RefreshIfDue.
	RefreshPeriod time.Duration
	// MaxUploadFailures bounds retries before a created-but-unuploaded
	// entry is marked failed and its CryptoStore bundle deleted.
	MaxUploadFailures int
}

// DefaultConfig returns spec.md §4.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		TargetSize:         32,
		LowWatermark:       8,
		HardCap:            64,
		KeyPackageLifetime: 10 * 24 * time.Hour,
		RefreshPeriod:      time.Hour,
		MaxUploadFailures:  5,
	}
}
