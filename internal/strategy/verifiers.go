package strategy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/authflow"
	"github.com/org/tagvault/internal/cache"
	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/pkg/models"
)

// serverOnly routes everything to the server through the auth flow and the
// transport client.
type serverOnly struct {
	flow     *authflow.Flow
	client   transport.Client
	sessions *session.Manager
}

func (v *serverOnly) VerifyPhrase(ctx context.Context, phrase string, origin session.Origin) (*authflow.Result, error) {
	return v.flow.Authenticate(ctx, phrase, origin)
}

func (v *serverOnly) ListTags(ctx context.Context) ([]models.TagSummary, error) {
	return v.client.ListTags(ctx)
}

func (v *serverOnly) CreateTag(ctx context.Context, name, phrase, color string, level models.SecurityLevel) (string, error) {
	return v.flow.RegisterTag(ctx, name, phrase, color, level)
}

func (v *serverOnly) DeleteTag(ctx context.Context, tagID string) error {
	if err := v.client.DeleteTag(ctx, tagID); err != nil {
		return err
	}
	// Local sessions for the deleted tag are dead weight holding key
	// material; drop them with the record.
	if id, err := hex.DecodeString(tagID); err == nil {
		if n := v.sessions.TerminateForTag(id); n > 0 {
			log.Info().Int("sessions", n).Str("tag_id", tagID).Msg("terminated local sessions for deleted tag")
		}
	}
	return nil
}

func (v *serverOnly) ActivateTag(ctx context.Context, tagID string) error {
	return v.client.SetTagActive(ctx, tagID, true)
}

func (v *serverOnly) DeactivateTag(ctx context.Context, tagID string) error {
	return v.client.SetTagActive(ctx, tagID, false)
}

// cacheOnly verifies entirely from the local cache: candidate match, then
// opening the cached envelope with the stretched phrase. Registry writes
// are impossible without the server.
type cacheOnly struct {
	store    *cache.Store
	engine   opaque.Engine
	sessions *session.Manager
	fp       authflow.FingerprintProvider
	timeout  time.Duration
}

func (v *cacheOnly) VerifyPhrase(ctx context.Context, phrase string, origin session.Origin) (*authflow.Result, error) {
	cctx, cancel := v.cacheCtx(ctx)
	cands, err := v.store.Candidates(cctx)
	cancel()
	if err != nil {
		return nil, err
	}

	for _, c := range cands {
		if !c.Active {
			continue
		}
		stretched, err := crypto.Stretch([]byte(phrase), c.Salt)
		if err != nil {
			return nil, err
		}
		id, err := crypto.DeriveTagID(stretched)
		if err != nil {
			stretched.Close()
			return nil, err
		}
		if hex.EncodeToString(id) != c.TagID {
			stretched.Close()
			continue
		}

		res, err := v.finishOffline(ctx, phrase, stretched, c, origin)
		stretched.Close()
		return res, err
	}
	return nil, authflow.ErrAuthenticationFailed
}

// finishOffline opens the envelope and mints a session from cached wrapped
// keys. The envelope's authentication tag is the verification.
func (v *cacheOnly) finishOffline(ctx context.Context, phrase string, stretched *crypto.SecretBuffer, c models.AuthCandidate, origin session.Origin) (*authflow.Result, error) {
	exportKey, err := v.engine.RecoverExportKey(stretched, c.Envelope)
	if err != nil {
		return nil, authflow.ErrAuthenticationFailed
	}
	defer exportKey.Close()

	cctx, cancel := v.cacheCtx(ctx)
	wks, err := v.store.WrappedKeys(cctx, c.TagID)
	cancel()
	if err != nil || len(wks) == 0 {
		// Cached identity but no cached vault key: this tag was never
		// authenticated online from this device.
		return nil, authflow.ErrAuthenticationFailed
	}

	vaultKey, err := crypto.UnwrapKey(exportKey, wks[0].Wrapped)
	if err != nil {
		return nil, authflow.ErrAuthenticationFailed
	}

	// No server exchange means no shared session key; a random local one
	// keeps the session record shape identical.
	localKey := make([]byte, crypto.KeyLen)
	if _, err := io.ReadFull(rand.Reader, localKey); err != nil {
		vaultKey.Close()
		return nil, err
	}

	tagID, err := hex.DecodeString(c.TagID)
	if err != nil {
		vaultKey.Close()
		crypto.Zero(localKey)
		return nil, err
	}
	km := session.KeyMaterial{SessionKey: crypto.NewSecretBuffer(localKey), VaultKey: vaultKey}
	snap, err := v.sessions.Create(session.TagInfo{
		TagID:         tagID,
		Name:          c.Name,
		SecurityLevel: models.SecurityLevel(c.SecurityLevel),
	}, km, v.fp.Fingerprint(), origin)
	if err != nil {
		return nil, err
	}
	return &authflow.Result{Session: snap, VaultID: wks[0].VaultID}, nil
}

func (v *cacheOnly) ListTags(ctx context.Context) ([]models.TagSummary, error) {
	cctx, cancel := v.cacheCtx(ctx)
	defer cancel()
	cands, err := v.store.Candidates(cctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.TagSummary, 0, len(cands))
	for _, c := range cands {
		out = append(out, models.TagSummary{
			TagID:         c.TagID,
			Name:          c.Name,
			SecurityLevel: c.SecurityLevel,
			Active:        c.Active,
		})
	}
	return out, nil
}

func (v *cacheOnly) CreateTag(ctx context.Context, name, phrase, color string, level models.SecurityLevel) (string, error) {
	return "", ErrOffline
}

func (v *cacheOnly) DeleteTag(ctx context.Context, tagID string) error { return ErrOffline }

func (v *cacheOnly) ActivateTag(ctx context.Context, tagID string) error { return ErrOffline }

func (v *cacheOnly) DeactivateTag(ctx context.Context, tagID string) error { return ErrOffline }

func (v *cacheOnly) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}

// cacheFirst tries the cache, falls through to the server, and keeps the
// cache fresh after server operations. Cache failures never fail an
// operation the server can serve; server failures do fail writes.
type cacheFirst struct {
	server *serverOnly
	local  *cacheOnly
	store  *cache.Store
	client transport.Client
}

func (v *cacheFirst) VerifyPhrase(ctx context.Context, phrase string, origin session.Origin) (*authflow.Result, error) {
	res, err := v.local.VerifyPhrase(ctx, phrase, origin)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, authflow.ErrAuthInProgress) {
		return nil, err
	}

	res, err = v.server.VerifyPhrase(ctx, phrase, origin)
	if err != nil {
		return nil, err
	}
	v.refresh(ctx)
	v.cacheWrappedKeys(ctx, res)
	return res, nil
}

// cacheWrappedKeys stores the keys released by an online authentication so
// the tag becomes verifiable offline. Log-and-continue.
func (v *cacheFirst) cacheWrappedKeys(ctx context.Context, res *authflow.Result) {
	if len(res.WrappedKeys) == 0 {
		return
	}
	keys := make([]models.WrappedKey, 0, len(res.WrappedKeys))
	for _, wk := range res.WrappedKeys {
		keys = append(keys, models.WrappedKey{VaultID: wk.VaultID, Wrapped: wk.WrappedKey})
	}
	if err := v.store.PutWrappedKeys(ctx, hex.EncodeToString(res.Session.TagID), keys); err != nil {
		log.Warn().Err(err).Msg("cache refresh: wrapped keys")
	}
}

func (v *cacheFirst) ListTags(ctx context.Context) ([]models.TagSummary, error) {
	tags, err := v.server.ListTags(ctx)
	if err == nil {
		return tags, nil
	}
	if errors.Is(err, transport.ErrNetwork) {
		return v.local.ListTags(ctx)
	}
	return nil, err
}

func (v *cacheFirst) CreateTag(ctx context.Context, name, phrase, color string, level models.SecurityLevel) (string, error) {
	id, err := v.server.CreateTag(ctx, name, phrase, color, level)
	if err != nil {
		return "", err
	}
	v.refresh(ctx)
	return id, nil
}

func (v *cacheFirst) DeleteTag(ctx context.Context, tagID string) error {
	if err := v.server.DeleteTag(ctx, tagID); err != nil {
		return err
	}
	v.refresh(ctx)
	return nil
}

func (v *cacheFirst) ActivateTag(ctx context.Context, tagID string) error {
	if err := v.server.ActivateTag(ctx, tagID); err != nil {
		return err
	}
	v.refresh(ctx)
	return nil
}

func (v *cacheFirst) DeactivateTag(ctx context.Context, tagID string) error {
	if err := v.server.DeactivateTag(ctx, tagID); err != nil {
		return err
	}
	v.refresh(ctx)
	return nil
}

// refresh reconciles the cache with the server. Log-and-continue: the
// server operation already succeeded, a stale cache only degrades offline
// coverage.
func (v *cacheFirst) refresh(ctx context.Context) {
	cands, err := v.client.Candidates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("cache refresh: fetching candidates")
		return
	}
	if err := v.store.Reconcile(ctx, cands); err != nil {
		log.Warn().Err(err).Msg("cache refresh: reconciling")
	}
}
