package govtt

import "time"

// Expiry scales. A game is fully expired at scale 1.0 and "may expire soon"
// at scale 0.5 of the configured threshold.
const (
	ExpireScaleFull = 1.0
	ExpireScaleSoon = 0.5
)

// Rolls inside RecentRolls are rendered prominently; rolls older than
// LatestRolls are dropped from snapshots and eventually from storage.
const (
	RecentRolls = 30 * time.Second
	LatestRolls = 600 * time.Second
)

// Expired reports whether an entity last touched at timeid has outlived
// threshold scaled by scale.
func Expired(timeid time.Time, threshold time.Duration, scale float64) bool {
	if threshold <= 0 {
		return false
	}
	cutoff := time.Duration(float64(threshold) * scale)
	return time.Since(timeid) > cutoff
}
