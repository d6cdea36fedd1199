package tags

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/org/tagvault/internal/clockx"
)

// Escalating cooldowns after repeated failed attempts against one tag.
// The counter only resets on a successful authentication, so the ladder
// keeps climbing across cooldown windows.
const (
	cooldownTier1Failures = 5
	cooldownTier1         = 30 * time.Second
	cooldownTier2Failures = 10
	cooldownTier2         = 5 * time.Minute
	cooldownTier3Failures = 20
	cooldownTier3         = 30 * time.Minute
)

type attemptState struct {
	failures    int
	lastFailure time.Time
}

// AttemptTracker enforces the per-tag failed-attempt cooldown ladder. It is
// keyed by tag id, so decoy attempts against unknown ids are throttled the
// same way as attempts against real tags.
type AttemptTracker struct {
	clock clockx.Clock

	mu    sync.Mutex
	state map[string]*attemptState
}

// NewAttemptTracker creates a tracker on the given clock.
func NewAttemptTracker(clock clockx.Clock) *AttemptTracker {
	if clock == nil {
		clock = clockx.Real{}
	}
	return &AttemptTracker{clock: clock, state: make(map[string]*attemptState)}
}

// Cooldown returns how long the tag is still locked out, or zero if an
// attempt may proceed now.
func (t *AttemptTracker) Cooldown(tagID []byte) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[hex.EncodeToString(tagID)]
	if !ok {
		return 0
	}
	window := cooldownFor(st.failures)
	if window == 0 {
		return 0
	}
	remaining := window - t.clock.Now().Sub(st.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure bumps the tag's failure count and restarts its cooldown.
func (t *AttemptTracker) RecordFailure(tagID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := hex.EncodeToString(tagID)
	st, ok := t.state[k]
	if !ok {
		st = &attemptState{}
		t.state[k] = st
	}
	st.failures++
	st.lastFailure = t.clock.Now()
}

// RecordSuccess clears the tag's failure history.
func (t *AttemptTracker) RecordSuccess(tagID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, hex.EncodeToString(tagID))
}

// Failures reports the current failure count for a tag.
func (t *AttemptTracker) Failures(tagID []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.state[hex.EncodeToString(tagID)]; ok {
		return st.failures
	}
	return 0
}

func cooldownFor(failures int) time.Duration {
	switch {
	case failures >= cooldownTier3Failures:
		return cooldownTier3
	case failures >= cooldownTier2Failures:
		return cooldownTier2
	case failures >= cooldownTier1Failures:
		return cooldownTier1
	default:
		return 0
	}
}
