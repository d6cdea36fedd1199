package api

import (
	"crypto/hmac"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/opaque"
)

// attemptTTL bounds how long an initialized exchange may wait for its
// finalize round.
const attemptTTL = 2 * time.Minute

// proofTTL bounds how long a successful attempt counts as a fresh proof of
// phrase knowledge for a re-key.
const proofTTL = 5 * time.Minute

// attempt is the server's record of one exchange. The PAKE state is consumed
// at finalize; the record itself lingers until proofTTL so a re-key can cite
// it.
type attempt struct {
	userID      string
	tagID       []byte
	state       *opaque.ServerState
	decoy       bool
	inactive    bool
	createdAt   time.Time
	succeededAt time.Time
}

// attemptStore tracks in-flight and recently finished attempts in memory.
// Attempts do not survive a restart; clients simply start over.
type attemptStore struct {
	clock clockx.Clock

	mu       sync.Mutex
	attempts map[string]*attempt
}

func newAttemptStore(clock clockx.Clock) *attemptStore {
	if clock == nil {
		clock = clockx.Real{}
	}
	return &attemptStore{clock: clock, attempts: make(map[string]*attempt)}
}

// begin records a freshly initialized exchange and returns its attempt id.
func (s *attemptStore) begin(userID string, tagID []byte, state *opaque.ServerState, decoy, inactive bool) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.attempts[id] = &attempt{
		userID:    userID,
		tagID:     append([]byte(nil), tagID...),
		state:     state,
		decoy:     decoy,
		inactive:  inactive,
		createdAt: s.clock.Now(),
	}
	return id
}

// take claims the attempt's PAKE state for finalization. A second finalize,
// a foreign user, or an expired attempt all come back empty; the state is
// gone after the first claim no matter the outcome.
func (s *attemptStore) take(id, userID string) (*attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[id]
	if !ok || att.state == nil || att.userID != userID {
		return nil, false
	}
	if s.clock.Now().Sub(att.createdAt) > attemptTTL {
		att.state.Close()
		att.state = nil
		delete(s.attempts, id)
		return nil, false
	}
	claimed := *att
	att.state = nil
	return &claimed, true
}

// markSuccess flags a finalized attempt as a usable re-key proof.
func (s *attemptStore) markSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if att, ok := s.attempts[id]; ok {
		att.succeededAt = s.clock.Now()
	}
}

// consumeProof checks that the attempt was a fresh successful authentication
// of tagID by userID, and burns it. One proof authorizes one re-key.
func (s *attemptStore) consumeProof(id, userID string, tagID []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[id]
	if !ok || att.userID != userID || !hmac.Equal(att.tagID, tagID) {
		return false
	}
	if att.succeededAt.IsZero() || s.clock.Now().Sub(att.succeededAt) > proofTTL {
		return false
	}
	delete(s.attempts, id)
	return true
}

// purgeLocked drops attempts past every useful lifetime. Caller holds s.mu.
func (s *attemptStore) purgeLocked() {
	now := s.clock.Now()
	for id, att := range s.attempts {
		if now.Sub(att.createdAt) > attemptTTL+proofTTL {
			if att.state != nil {
				att.state.Close()
			}
			delete(s.attempts, id)
		}
	}
}
