package session

import "time"

// HealthInput is everything the health score depends on. The score is a
// pure function of this struct so it can be tested with a fixed clock.
type HealthInput struct {
	Now            time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Extensions     int
	MaxExtensions  int
	FingerprintOK  bool
}

// Score weights: remaining lifetime counts for half, extension pressure for
// just under a third, recent activity for the rest. Fingerprint drift
// floors the score outright.
const (
	timeWeight      = 50
	extensionWeight = 30
	activityWeight  = 20

	// Inactivity beyond this window earns zero activity points.
	staleActivity = 10 * time.Minute
)

// HealthScore computes the 0-100 session health score.
func HealthScore(in HealthInput) int {
	if !in.FingerprintOK {
		return 0
	}

	score := 0

	// Fraction of lifetime remaining.
	total := in.ExpiresAt.Sub(in.CreatedAt)
	remaining := in.ExpiresAt.Sub(in.Now)
	if total > 0 && remaining > 0 {
		frac := float64(remaining) / float64(total)
		if frac > 1 {
			frac = 1
		}
		score += int(frac * timeWeight)
	}

	// Extensions spend down a fixed budget.
	if in.MaxExtensions > 0 {
		used := float64(in.Extensions) / float64(in.MaxExtensions)
		if used > 1 {
			used = 1
		}
		score += int((1 - used) * extensionWeight)
	} else {
		score += extensionWeight
	}

	// Recency of activity.
	idle := in.Now.Sub(in.LastActivityAt)
	if idle < 0 {
		idle = 0
	}
	if idle < staleActivity {
		frac := 1 - float64(idle)/float64(staleActivity)
		score += int(frac * activityWeight)
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
