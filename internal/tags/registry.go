// Package tags implements the server side of the secret-tag registry:
// ingesting client-derived registration material, listing, metadata edits,
// re-key record swaps, and cascade deletion. No phrase or phrase-derived
// secret ever reaches this package; clients send only material the server
// cannot reverse.
package tags

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/storage"
	"github.com/org/tagvault/pkg/models"
)

// ErrDuplicateName is returned when a user already has a tag with the same
// name (case-insensitive).
var ErrDuplicateName = errors.New("tag name already in use")

// ErrRegistrationFailed wraps any failure during tag registration.
var ErrRegistrationFailed = errors.New("tag registration failed")

// ErrRekeyFailed is returned for any re-key failure. It deliberately
// carries no distinguishing detail.
var ErrRekeyFailed = errors.New("re-key failed")

// ErrIncompleteTeardown is returned when a cascade delete could not clear
// every subsystem. The wrapped message names what was left behind.
var ErrIncompleteTeardown = errors.New("incomplete teardown")

// Material is the client-derived registration payload: identifiers, PAKE
// registration output, and the initial vault's wrapped data key. The
// wrapped key is opaque here; only a client holding the export key can
// open it.
type Material struct {
	TagID         []byte
	Salt          []byte
	Envelope      []byte
	Verifier      []byte
	Name          string
	Color         string
	SecurityLevel models.SecurityLevel
	VaultID       string
	WrappedKey    []byte
}

func (m *Material) validate() error {
	switch {
	case len(m.TagID) != crypto.TagIDLen:
		return fmt.Errorf("tag id must be %d bytes", crypto.TagIDLen)
	case len(m.Salt) != crypto.SaltLen:
		return fmt.Errorf("salt must be %d bytes", crypto.SaltLen)
	case len(m.Envelope) == 0 || len(m.Verifier) == 0:
		return errors.New("missing registration material")
	case m.Name == "":
		return errors.New("name is required")
	case m.VaultID == "" || len(m.WrappedKey) == 0:
		return errors.New("missing initial vault key")
	}
	if m.SecurityLevel == "" {
		m.SecurityLevel = models.SecurityStandard
	}
	if !m.SecurityLevel.Valid() {
		return fmt.Errorf("unknown security level %q", m.SecurityLevel)
	}
	return nil
}

// RekeyRecord is the replacement material for an explicit re-key: a new
// identity derived from the new phrase plus every vault data key rewrapped
// to the new export key by the client.
type RekeyRecord struct {
	NewTagID    []byte
	Salt        []byte
	Envelope    []byte
	Verifier    []byte
	WrappedKeys []models.WrappedKey
}

// Registry is the tag lifecycle service.
type Registry struct {
	store    storage.Backend
	sessions *session.Manager
}

// NewRegistry wires the registry to its collaborators.
func NewRegistry(store storage.Backend, sessions *session.Manager) *Registry {
	return &Registry{store: store, sessions: sessions}
}

// Register stores a new secret tag from client-derived material, together
// with its default vault's wrapped key. All-or-nothing: a failure after the
// tag row is created rolls the row back.
func (r *Registry) Register(ctx context.Context, userID string, mat Material) error {
	if err := mat.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	if _, err := r.store.GetTagByName(ctx, userID, mat.Name); err == nil {
		return ErrDuplicateName
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	now := time.Now().UTC()
	tag := &models.SecretTag{
		TagID:         mat.TagID,
		UserID:        userID,
		Salt:          mat.Salt,
		Envelope:      mat.Envelope,
		Verifier:      mat.Verifier,
		Name:          mat.Name,
		Color:         mat.Color,
		SecurityLevel: mat.SecurityLevel,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateTag(ctx, tag); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	wk := &models.WrappedKey{TagID: mat.TagID, VaultID: mat.VaultID, Wrapped: mat.WrappedKey, CreatedAt: now}
	if err := r.store.CreateWrappedKey(ctx, wk); err != nil {
		if derr := r.store.DeleteTag(ctx, mat.TagID); derr != nil {
			log.Error().Err(derr).Str("tag_id", hex.EncodeToString(mat.TagID)).Msg("rollback after failed registration")
		}
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	log.Info().Str("tag_id", hex.EncodeToString(mat.TagID)).Str("level", string(mat.SecurityLevel)).Msg("tag registered")
	return nil
}

// List returns the user's tags as presentation summaries.
func (r *Registry) List(ctx context.Context, userID string) ([]models.TagSummary, error) {
	recs, err := r.store.ListTags(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	out := make([]models.TagSummary, 0, len(recs))
	for _, t := range recs {
		out = append(out, models.TagSummary{
			TagID:         hex.EncodeToString(t.TagID),
			Name:          t.Name,
			Color:         t.Color,
			SecurityLevel: string(t.SecurityLevel),
			Active:        t.Active,
			CreatedAt:     t.CreatedAt,
		})
	}
	return out, nil
}

// Candidates returns the public lookup material clients need to match a
// spoken or typed phrase to a tag id before starting authentication.
func (r *Registry) Candidates(ctx context.Context, userID string) ([]models.AuthCandidate, error) {
	recs, err := r.store.ListTags(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	out := make([]models.AuthCandidate, 0, len(recs))
	for _, t := range recs {
		out = append(out, models.AuthCandidate{
			TagID:         hex.EncodeToString(t.TagID),
			Salt:          append([]byte(nil), t.Salt...),
			Envelope:      append([]byte(nil), t.Envelope...),
			Name:          t.Name,
			SecurityLevel: string(t.SecurityLevel),
			Active:        t.Active,
		})
	}
	return out, nil
}

// Rename changes a tag's display name. No re-authentication required.
func (r *Registry) Rename(ctx context.Context, tagID []byte, name string) error {
	if name == "" {
		return fmt.Errorf("renaming tag: empty name")
	}
	tag, err := r.store.GetTag(ctx, tagID)
	if err != nil {
		return fmt.Errorf("renaming tag: %w", err)
	}
	if other, err := r.store.GetTagByName(ctx, tag.UserID, name); err == nil && !hmac.Equal(other.TagID, tagID) {
		return ErrDuplicateName
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("renaming tag: %w", err)
	}
	return r.store.UpdateTagMeta(ctx, tagID, &name, nil)
}

// Recolor changes a tag's display color.
func (r *Registry) Recolor(ctx context.Context, tagID []byte, color string) error {
	return r.store.UpdateTagMeta(ctx, tagID, nil, &color)
}

// SetActive toggles whether the tag participates in authentication.
func (r *Registry) SetActive(ctx context.Context, tagID []byte, active bool) error {
	return r.store.SetTagActive(ctx, tagID, active)
}

// Delete removes a tag and everything attached to it: live sessions first,
// then wrapped keys, then the record itself. A partial failure is reported,
// never swallowed; the caller can retry until the cascade completes.
func (r *Registry) Delete(ctx context.Context, tagID []byte) error {
	if _, err := r.store.GetTag(ctx, tagID); err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}

	terminated := r.sessions.TerminateForTag(tagID)

	var failed []string
	if err := r.store.DeleteWrappedKeysForTag(ctx, tagID); err != nil {
		log.Error().Err(err).Str("tag_id", hex.EncodeToString(tagID)).Msg("cascade: wrapped keys")
		failed = append(failed, "wrapped keys")
	}
	if err := r.store.DeleteTag(ctx, tagID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("tag_id", hex.EncodeToString(tagID)).Msg("cascade: tag record")
		failed = append(failed, "tag record")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteTeardown, strings.Join(failed, ", "))
	}

	log.Info().Str("tag_id", hex.EncodeToString(tagID)).Int("sessions_terminated", terminated).Msg("tag deleted")
	return nil
}

// Rekey swaps a tag's record for a replacement derived from a new phrase.
// The caller must already have proven knowledge of the old phrase (the API
// layer checks a fresh successful attempt). The replacement is fully
// inserted before anything is removed: the old record is first renamed
// aside to free the per-user name slot, then the new record and rewrapped
// keys go in, and only once they are all committed do the old sessions and
// rows get torn down. Any failure before that point rolls the rename back,
// so the old phrase keeps working.
func (r *Registry) Rekey(ctx context.Context, userID string, oldTagID []byte, rec RekeyRecord) ([]byte, error) {
	switch {
	case len(rec.NewTagID) != crypto.TagIDLen,
		len(rec.Salt) != crypto.SaltLen,
		len(rec.Envelope) == 0,
		len(rec.Verifier) == 0:
		return nil, fmt.Errorf("%w: malformed replacement material", ErrRekeyFailed)
	}

	old, err := r.store.GetTag(ctx, oldTagID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	if old.UserID != userID {
		// Do not reveal that the tag exists under another user.
		return nil, fmt.Errorf("%w: %v", ErrRekeyFailed, storage.ErrNotFound)
	}

	staged := old.Name + " (rekey " + hex.EncodeToString(rec.NewTagID[:4]) + ")"
	if err := r.store.UpdateTagMeta(ctx, oldTagID, &staged, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	restore := func() {
		if rerr := r.store.UpdateTagMeta(ctx, oldTagID, &old.Name, nil); rerr != nil {
			log.Error().Err(rerr).Str("tag_id", hex.EncodeToString(oldTagID)).Msg("rekey: restoring staged name")
		}
	}

	now := time.Now().UTC()
	newTag := &models.SecretTag{
		TagID:         rec.NewTagID,
		UserID:        old.UserID,
		Salt:          rec.Salt,
		Envelope:      rec.Envelope,
		Verifier:      rec.Verifier,
		Name:          old.Name,
		Color:         old.Color,
		SecurityLevel: old.SecurityLevel,
		Active:        old.Active,
		CreatedAt:     old.CreatedAt,
		UpdatedAt:     now,
	}
	if err := r.store.CreateTag(ctx, newTag); err != nil {
		restore()
		return nil, fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	for _, wk := range rec.WrappedKeys {
		cp := wk
		cp.TagID = rec.NewTagID
		cp.CreatedAt = now
		if err := r.store.CreateWrappedKey(ctx, &cp); err != nil {
			if derr := r.store.DeleteWrappedKeysForTag(ctx, rec.NewTagID); derr != nil {
				log.Error().Err(derr).Str("tag_id", hex.EncodeToString(rec.NewTagID)).Msg("rekey: unwinding replacement keys")
			}
			if derr := r.store.DeleteTag(ctx, rec.NewTagID); derr != nil {
				log.Error().Err(derr).Str("tag_id", hex.EncodeToString(rec.NewTagID)).Msg("rekey: unwinding replacement tag")
			}
			restore()
			return nil, fmt.Errorf("%w: %v", ErrRekeyFailed, err)
		}
	}

	// The replacement is live; the old identity only needs cleanup now.
	// Failures here leave a visibly staged record behind, never a lockout.
	r.sessions.TerminateForTag(oldTagID)
	if err := r.store.DeleteWrappedKeysForTag(ctx, oldTagID); err != nil {
		log.Error().Err(err).Str("tag_id", hex.EncodeToString(oldTagID)).Msg("rekey: retiring old wrapped keys")
	}
	if err := r.store.DeleteTag(ctx, oldTagID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("tag_id", hex.EncodeToString(oldTagID)).Msg("rekey: retiring old tag record")
	}

	log.Info().
		Str("old_tag_id", hex.EncodeToString(oldTagID)).
		Str("new_tag_id", hex.EncodeToString(rec.NewTagID)).
		Int("vaults_rewrapped", len(rec.WrappedKeys)).
		Msg("tag re-keyed")
	return rec.NewTagID, nil
}
