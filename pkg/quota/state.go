// Package quota tracks how much of its monthly allowance every credential
// has used. The backend reports the count in the Compression-Count header;
// the tracker keeps the latest value per credential in Redis so every
// process sharing the keys sees the same numbers.
package quota

import (
	"fmt"
	"time"
)

// Thresholds for the free backend plan.
const (
	// MonthlyFreeLimit is the number of compressions included per key and month.
	MonthlyFreeLimit = 500

	// WarningThreshold marks a key as close to its limit.
	WarningThreshold = 450
)

// redisKeyPrefix namespaces all quota keys.
const redisKeyPrefix = "squeeze:quota:"

// countKey returns the Redis key holding the count for a credential fingerprint.
func countKey(fingerprint string) string {
	return fmt.Sprintf("%s%s:count", redisKeyPrefix, fingerprint)
}

// updatedKey returns the Redis key holding the last update time.
func updatedKey(fingerprint string) string {
	return fmt.Sprintf("%s%s:updated", redisKeyPrefix, fingerprint)
}

// Usage is the known consumption of one credential.
type Usage struct {
	// Fingerprint identifies the credential without revealing it.
	Fingerprint string `json:"fingerprint"`

	// Count is the number of compressions this month.
	Count int `json:"count"`

	// Limit is the monthly allowance the thresholds are based on.
	Limit int `json:"limit"`

	// LastUpdate is when the backend last reported a count. Zero if never.
	LastUpdate time.Time `json:"last_update"`
}

// Known reports whether the backend ever reported a count for this key.
func (u *Usage) Known() bool {
	return !u.LastUpdate.IsZero()
}

// Remaining returns the compressions left this month, never negative.
func (u *Usage) Remaining() int {
	if r := u.Limit - u.Count; r > 0 {
		return r
	}
	return 0
}

// NearLimit reports whether the key crossed the warning threshold.
func (u *Usage) NearLimit() bool {
	return u.Count >= u.warning() && !u.Exhausted()
}

// Exhausted reports whether the monthly allowance is used up.
func (u *Usage) Exhausted() bool {
	return u.Count >= u.Limit
}

// warning scales the free-plan warning threshold to custom limits.
func (u *Usage) warning() int {
	if u.Limit == MonthlyFreeLimit {
		return WarningThreshold
	}
	return u.Limit * WarningThreshold / MonthlyFreeLimit
}

// resetIfNewMonth clears the count when it was reported in an earlier
// calendar month (UTC), since the backend resets counters monthly.
func (u *Usage) resetIfNewMonth(now time.Time) {
	if !u.Known() {
		return
	}
	last := u.LastUpdate.UTC()
	now = now.UTC()
	if last.Year() != now.Year() || last.Month() != now.Month() {
		u.Count = 0
	}
}
