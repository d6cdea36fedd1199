package session

import (
	"errors"
	"sync"
	"time"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/pkg/models"
)

// Origin records how a session was established.
type Origin string

const (
	OriginVoice    Origin = "voice"
	OriginManual   Origin = "manual"
	OriginRecovery Origin = "recovery"
)

// State is the session lifecycle state.
type State string

const (
	StateActive      State = "active"
	StateLocked      State = "locked"
	StateExpired     State = "expired"
	StateTerminated  State = "terminated"
	StateInvalidated State = "invalidated"
)

// ErrNotFound is returned when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// ErrExpired is returned when the session has passed its expiry.
var ErrExpired = errors.New("session expired")

// ErrLocked is returned when a vault operation hits a locked session.
var ErrLocked = errors.New("session locked")

// ErrCannotExtendExpired is returned when extending a dead session.
var ErrCannotExtendExpired = errors.New("cannot extend expired session")

// ErrTooManyExtensions is returned once the extension cap is reached.
var ErrTooManyExtensions = errors.New("session extension limit reached")

// ErrFingerprintMismatch is returned when a session is presented from a
// different device than the one that created it.
var ErrFingerprintMismatch = errors.New("device fingerprint mismatch")

// ErrUnlockConfirmation is returned when the fresh confirmation required to
// unlock an enhanced-security session fails or is not configured.
var ErrUnlockConfirmation = errors.New("unlock confirmation failed")

// ErrIncompleteTeardown is returned when panic invalidation could not clear
// every registered subsystem. The wrapped message names what failed.
var ErrIncompleteTeardown = errors.New("incomplete teardown")

// KeyMaterial is what a successful authentication hands to the manager. The
// manager takes ownership of both buffers.
type KeyMaterial struct {
	SessionKey *crypto.SecretBuffer
	VaultKey   *crypto.SecretBuffer
}

// Close zeroes both keys.
func (k KeyMaterial) Close() {
	k.SessionKey.Close()
	k.VaultKey.Close()
}

// session is the manager-owned mutable record. Key material lives only here
// and only in memory; all mutation goes through the owning Manager with the
// per-session mutex held.
type session struct {
	mu sync.Mutex

	id            string
	tagID         []byte
	tagName       string
	securityLevel models.SecurityLevel
	fingerprint   string
	origin        Origin

	createdAt      time.Time
	expiresAt      time.Time
	lastActivityAt time.Time
	extensions     int
	healthScore    int
	state          State

	sessionKey *crypto.SecretBuffer
	vaultKey   *crypto.SecretBuffer
}

// zeroKeys drops key material immediately. Caller holds s.mu.
func (s *session) zeroKeys() {
	s.sessionKey.Close()
	s.vaultKey.Close()
}

// alive reports whether the session still holds key material.
func (s *session) alive() bool {
	return s.state == StateActive || s.state == StateLocked
}

// Snapshot is the read-only view handed to callers. It never carries key
// material.
type Snapshot struct {
	ID                string
	TagID             []byte
	TagName           string
	SecurityLevel     models.SecurityLevel
	DeviceFingerprint string
	Origin            Origin
	CreatedAt         time.Time
	ExpiresAt         time.Time
	LastActivityAt    time.Time
	Extensions        int
	HealthScore       int
	State             State
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:                s.id,
		TagID:             append([]byte(nil), s.tagID...),
		TagName:           s.tagName,
		SecurityLevel:     s.securityLevel,
		DeviceFingerprint: s.fingerprint,
		Origin:            s.origin,
		CreatedAt:         s.createdAt,
		ExpiresAt:         s.expiresAt,
		LastActivityAt:    s.lastActivityAt,
		Extensions:        s.extensions,
		HealthScore:       s.healthScore,
		State:             s.state,
	}
}
