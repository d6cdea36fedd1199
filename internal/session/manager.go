package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// UnlockConfirmer re-verifies the phrase for an enhanced-security tag before
// a locked session is unlocked. Wired to a short authentication round.
type UnlockConfirmer func(ctx context.Context, tagID []byte) error

// WipeHook clears secret material held outside the manager during panic
// invalidation.
type WipeHook func(ctx context.Context) error

// TagInfo is the tag context a new session is created under.
type TagInfo struct {
	TagID         []byte
	Name          string
	SecurityLevel models.SecurityLevel
}

// Manager owns every session exclusively: no other component mutates
// expiry, lock state, or key material. All per-session operations are
// linearized by the session's own mutex, not a global lock.
type Manager struct {
	cfg     models.SessionConfig
	clock   clockx.Clock
	confirm UnlockConfirmer

	mu       sync.RWMutex
	sessions map[string]*session

	hookMu sync.Mutex
	hooks  map[string]WipeHook
}

// NewManager creates a Manager with the given lifetime configuration.
func NewManager(cfg models.SessionConfig, clock clockx.Clock) *Manager {
	if clock == nil {
		clock = clockx.Real{}
	}
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[string]*session),
		hooks:    make(map[string]WipeHook),
	}
}

// SetUnlockConfirmer wires the fresh-confirmation step used when unlocking
// enhanced-security sessions.
func (m *Manager) SetUnlockConfirmer(c UnlockConfirmer) {
	m.confirm = c
}

// RegisterWipeHook adds a named subsystem to be cleared on InvalidateAll.
func (m *Manager) RegisterWipeHook(name string, hook WipeHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks[name] = hook
}

// Create mints a new Active session from successful authentication output.
// The manager takes ownership of the key material.
func (m *Manager) Create(tag TagInfo, km KeyMaterial, fingerprint string, origin Origin) (Snapshot, error) {
	if km.SessionKey.Closed() || km.VaultKey.Closed() {
		km.Close()
		return Snapshot{}, fmt.Errorf("creating session: missing key material")
	}
	now := m.clock.Now()
	s := &session{
		id:             uuid.NewString(),
		tagID:          append([]byte(nil), tag.TagID...),
		tagName:        tag.Name,
		securityLevel:  tag.SecurityLevel,
		fingerprint:    fingerprint,
		origin:         origin,
		createdAt:      now,
		expiresAt:      now.Add(m.cfg.DefaultTimeout),
		lastActivityAt: now,
		healthScore:    100,
		state:          StateActive,
		sessionKey:     km.SessionKey,
		vaultKey:       km.VaultKey,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	activeSessions.Inc()
	log.Debug().Str("session_id", s.id).Str("tag", tag.Name).Str("origin", string(origin)).Msg("session created")
	return s.snapshot(), nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// expireLocked transitions an overdue session and zeroes its keys. Caller
// holds s.mu.
func (m *Manager) expireLocked(s *session) {
	if s.alive() && m.clock.Now().After(s.expiresAt) {
		s.state = StateExpired
		s.zeroKeys()
		activeSessions.Dec()
		expiredTotal.Inc()
	}
}

// Get returns a snapshot of a usable session, checking expiry on access.
// Dead sessions do not come back: expired ones return ErrExpired,
// terminated or invalidated ones ErrNotFound, the same as after a prune.
// For enhanced-security sessions a fingerprint mismatch invalidates the
// session outright.
func (m *Manager) Get(id, fingerprint string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if s.securityLevel == models.SecurityEnhanced && fingerprint != s.fingerprint {
		if s.alive() {
			s.state = StateInvalidated
			s.zeroKeys()
			activeSessions.Dec()
		}
		log.Warn().Str("session_id", id).Msg("fingerprint mismatch, session invalidated")
		return Snapshot{}, ErrFingerprintMismatch
	}
	switch s.state {
	case StateActive, StateLocked:
	case StateExpired:
		return Snapshot{}, ErrExpired
	default:
		return Snapshot{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Inspect returns the lifecycle snapshot of any still-recorded session,
// dead or alive. Diagnostic read only: no fingerprint check, no key access.
func (m *Manager) Inspect(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	return s.snapshot(), nil
}

// VaultKey hands out a copy of the session's vault key for blob operations.
// Requires an unlocked, unexpired session. The caller must Close the copy.
func (m *Manager) VaultKey(id, fingerprint string) (*crypto.SecretBuffer, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if s.securityLevel == models.SecurityEnhanced && fingerprint != s.fingerprint {
		if s.alive() {
			s.state = StateInvalidated
			s.zeroKeys()
			activeSessions.Dec()
		}
		return nil, ErrFingerprintMismatch
	}
	switch s.state {
	case StateActive:
	case StateLocked:
		return nil, ErrLocked
	default:
		return nil, ErrExpired
	}
	s.lastActivityAt = m.clock.Now()
	m.recomputeHealth(s)
	return s.vaultKey.Clone(), nil
}

// Extend pushes the expiry forward. Allowed while Active or Locked; the
// total number of extensions is capped so a session cannot renew forever.
func (m *Manager) Extend(id string, d time.Duration) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if !s.alive() {
		return Snapshot{}, ErrCannotExtendExpired
	}
	if s.extensions >= m.cfg.MaxExtensions {
		return Snapshot{}, ErrTooManyExtensions
	}
	if d <= 0 {
		d = m.cfg.ExtensionStep
	}
	// Expiry only ever moves forward, and only here.
	s.expiresAt = s.expiresAt.Add(d)
	s.extensions++
	m.recomputeHealth(s)
	extendedTotal.Inc()
	return s.snapshot(), nil
}

// Lock blocks vault operations while preserving key material.
func (m *Manager) Lock(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if !s.alive() {
		return Snapshot{}, ErrExpired
	}
	s.state = StateLocked
	return s.snapshot(), nil
}

// Unlock returns a locked session to Active. Enhanced-security sessions
// require a fresh phrase confirmation via the configured UnlockConfirmer.
func (m *Manager) Unlock(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	m.expireLocked(s)
	if !s.alive() {
		s.mu.Unlock()
		return Snapshot{}, ErrExpired
	}
	if s.state != StateLocked {
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	needsConfirm := s.securityLevel == models.SecurityEnhanced
	tagID := append([]byte(nil), s.tagID...)
	s.mu.Unlock()

	// The confirmation round suspends, so it runs outside the session lock.
	// No confirmer wired means enhanced sessions cannot unlock at all.
	if needsConfirm {
		if m.confirm == nil {
			return Snapshot{}, fmt.Errorf("%w: no confirmer configured", ErrUnlockConfirmation)
		}
		if err := m.confirm(ctx, tagID); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrUnlockConfirmation, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if !s.alive() {
		return Snapshot{}, ErrExpired
	}
	s.state = StateActive
	return s.snapshot(), nil
}

// Touch records activity. It never moves the expiry and never decreases it;
// it only refreshes last-activity and recomputes health.
func (m *Manager) Touch(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s)
	if !s.alive() {
		return Snapshot{}, ErrExpired
	}
	s.lastActivityAt = m.clock.Now()
	m.recomputeHealth(s)
	return s.snapshot(), nil
}

// recomputeHealth refreshes the stored score. Caller holds s.mu.
func (m *Manager) recomputeHealth(s *session) {
	s.healthScore = HealthScore(HealthInput{
		Now:            m.clock.Now(),
		CreatedAt:      s.createdAt,
		ExpiresAt:      s.expiresAt,
		LastActivityAt: s.lastActivityAt,
		Extensions:     s.extensions,
		MaxExtensions:  m.cfg.MaxExtensions,
		FingerprintOK:  true,
	})
}

// Terminate ends a single session and zeroes its keys.
func (m *Manager) Terminate(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive() {
		s.state = StateTerminated
		s.zeroKeys()
		activeSessions.Dec()
	}
	return nil
}

// TerminateForTag ends every session bound to a tag. Used by cascade delete
// and re-key. Returns how many live sessions were terminated.
func (m *Manager) TerminateForTag(tagID []byte) int {
	m.mu.RLock()
	var matched []*session
	for _, s := range m.sessions {
		if string(s.tagID) == string(tagID) {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range matched {
		s.mu.Lock()
		if s.alive() {
			s.state = StateTerminated
			s.zeroKeys()
			activeSessions.Dec()
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// InvalidateAll is panic mode: every session is terminated synchronously,
// all in-memory key material is zeroed, and each registered wipe hook runs.
// Idempotent and safe to call concurrently from multiple triggers. A hook
// failure never stops the remaining hooks; the aggregate error names the
// subsystems that failed.
func (m *Manager) InvalidateAll(ctx context.Context, reason string) error {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		if s.alive() {
			s.state = StateInvalidated
			s.zeroKeys()
			activeSessions.Dec()
		}
		s.mu.Unlock()
	}

	m.hookMu.Lock()
	names := make([]string, 0, len(m.hooks))
	for name := range m.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	hooks := make([]WipeHook, 0, len(names))
	for _, name := range names {
		hooks = append(hooks, m.hooks[name])
	}
	m.hookMu.Unlock()

	var failed []string
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			failed = append(failed, names[i])
			log.Error().Err(err).Str("subsystem", names[i]).Msg("panic wipe hook failed")
		}
	}

	panicWipes.Inc()
	log.Warn().Str("reason", reason).Int("sessions", len(all)).Msg("all sessions invalidated")

	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteTeardown, strings.Join(failed, ", "))
	}
	return nil
}

// Sweep expires overdue sessions immediately. Also prunes records that have
// been dead longer than the default timeout so the table does not grow
// without bound.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for id, s := range m.sessions {
		s.mu.Lock()
		m.expireLocked(s)
		dead := !s.alive() && now.Sub(s.expiresAt) > m.cfg.DefaultTimeout
		s.mu.Unlock()
		if dead {
			delete(m.sessions, id)
		}
	}
}

// Run drives the periodic expiry sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.SweepInterval):
			m.Sweep()
		}
	}
}

// CountByState tallies sessions per state, for metrics and tests.
func (m *Manager) CountByState() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[State]int{}
	for _, s := range m.sessions {
		s.mu.Lock()
		out[s.state]++
		s.mu.Unlock()
	}
	return out
}
