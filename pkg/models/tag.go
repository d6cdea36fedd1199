package models

import "time"

// SecurityLevel controls how strictly a tag's sessions are bound to a device.
type SecurityLevel string

const (
	// SecurityStandard verifies the device fingerprint at session creation only.
	SecurityStandard SecurityLevel = "standard"
	// SecurityEnhanced verifies the fingerprint on every session access and
	// requires a fresh confirmation to unlock a locked session.
	SecurityEnhanced SecurityLevel = "enhanced"
)

// Valid reports whether the level is one of the known values.
func (l SecurityLevel) Valid() bool {
	return l == SecurityStandard || l == SecurityEnhanced
}

// SecretTag is one registered secret phrase. The phrase itself never appears
// here: TagID and Salt are derived client-side, Envelope and Verifier are
// opaque PAKE registration material the server cannot reverse.
type SecretTag struct {
	TagID         []byte // 16 bytes, deterministic per (phrase, salt)
	UserID        string
	Salt          []byte // 16 bytes, random per tag
	Envelope      []byte
	Verifier      []byte
	Name          string
	Color         string
	SecurityLevel SecurityLevel
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TagSummary is the listing view of a tag. It carries presentation fields
// only, never salt, envelope, or verifier material.
type TagSummary struct {
	TagID         string    `json:"tag_id"` // hex
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	SecurityLevel string    `json:"security_level"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuthCandidate is the per-tag material a client needs to match a phrase to
// a tag id before authentication: stretch the phrase with each candidate's
// salt, recompute the tag id, and compare against TagID. The envelope rides
// along for offline verification; like the salt, it is useless without the
// phrase.
type AuthCandidate struct {
	TagID         string `json:"tag_id"` // hex
	Salt          []byte `json:"salt"`
	Envelope      []byte `json:"envelope"`
	Name          string `json:"name"`
	SecurityLevel string `json:"security_level"`
	Active        bool   `json:"active"`
}

// WrappedKey associates a tag with a vault: the vault's data key wrapped
// under the tag's session-derived wrapping key. Rotation inserts a new
// record; rows are never updated in place.
type WrappedKey struct {
	TagID     []byte
	VaultID   string
	Wrapped   []byte
	CreatedAt time.Time
}
