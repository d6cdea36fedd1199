// Package authflow drives the client side of phrase authentication: matching
// a phrase to a registered tag, the two-round exchange with the server, and
// minting a session from the released key material. Failures are uniform by
// construction: unknown phrases, wrong phrases, and server rejections all
// take the same code path, the same message shapes, and the same padded
// minimum latency.
package authflow

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/pkg/models"
)

// ErrAuthenticationFailed is the only failure callers see for a rejected
// attempt. Wrong phrase, unknown phrase, inactive tag, and server rejection
// are indistinguishable through it.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrAuthInProgress is returned when an attempt for the same tag is already
// in flight.
var ErrAuthInProgress = errors.New("authentication already in progress for this tag")

// State names the phases of one attempt, in order.
type State string

const (
	StateIdle            State = "idle"
	StateCandidateLookup State = "candidate_lookup"
	StateRound1Sent      State = "round1_sent"
	StateRound1Received  State = "round1_received"
	StateRound2Sent      State = "round2_sent"
	StateFinalized       State = "finalized"
)

// FingerprintProvider supplies the stable device fingerprint bound into
// sessions. The flow treats the value as an opaque string.
type FingerprintProvider interface {
	Fingerprint() string
}

// StaticFingerprint is a fixed-string FingerprintProvider.
type StaticFingerprint string

func (s StaticFingerprint) Fingerprint() string { return string(s) }

// Config tunes attempt behavior.
type Config struct {
	// PadFloor is the minimum wall time any attempt takes, success or
	// failure. Zero disables padding.
	PadFloor time.Duration
	// MaxRetries bounds retries of individual network calls.
	MaxRetries int
	// RetryBase is the first backoff delay; it doubles per retry.
	RetryBase time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{PadFloor: 900 * time.Millisecond, MaxRetries: 3, RetryBase: 100 * time.Millisecond}
}

// Result is a successful authentication: the new session, the vault it
// unlocked, and every wrapped key the server released (still wrapped, for
// callers that cache them).
type Result struct {
	Session     session.Snapshot
	VaultID     string
	WrappedKeys []transport.WrappedKeyPayload
}

// Flow orchestrates attempts. Concurrent attempts against distinct tags run
// freely; a second attempt against the same tag is rejected.
type Flow struct {
	engine   opaque.Engine
	client   transport.Client
	sessions *session.Manager
	fp       FingerprintProvider
	clock    clockx.Clock
	cfg      Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires a Flow to its collaborators.
func New(engine opaque.Engine, client transport.Client, sessions *session.Manager, fp FingerprintProvider, clock clockx.Clock, cfg Config) *Flow {
	if clock == nil {
		clock = clockx.Real{}
	}
	return &Flow{
		engine:   engine,
		client:   client,
		sessions: sessions,
		fp:       fp,
		clock:    clock,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
}

// Authenticate runs one full attempt and, on success, creates a session.
// Cancellation leaves no partial session behind.
func (f *Flow) Authenticate(ctx context.Context, phrase string, origin session.Origin) (*Result, error) {
	start := f.clock.Now()
	res, err := f.runAuth(ctx, phrase, origin)
	f.pad(ctx, start)
	if err != nil {
		if errors.Is(err, ErrAuthInProgress) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		authAttempts.WithLabelValues("failure").Inc()
		log.Debug().Err(err).Msg("authentication attempt rejected")
		return nil, ErrAuthenticationFailed
	}
	authAttempts.WithLabelValues("success").Inc()
	return res, nil
}

// Confirm re-proves knowledge of a specific tag's phrase without creating a
// session. Used as the fresh confirmation step when unlocking an
// enhanced-security session.
func (f *Flow) Confirm(ctx context.Context, tagID []byte, phrase string) error {
	start := f.clock.Now()
	exch, err := f.exchange(ctx, phrase)
	f.pad(ctx, start)
	if err != nil {
		if errors.Is(err, ErrAuthInProgress) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ErrAuthenticationFailed
	}
	defer exch.Close()
	if hex.EncodeToString(tagID) != exch.tagID {
		return ErrAuthenticationFailed
	}
	return nil
}

func (f *Flow) runAuth(ctx context.Context, phrase string, origin session.Origin) (*Result, error) {
	exch, err := f.exchange(ctx, phrase)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	if len(exch.wrapped) == 0 {
		return nil, errors.New("no wrapped keys released")
	}
	tagID, err := hex.DecodeString(exch.tagID)
	if err != nil {
		return nil, err
	}
	vaultKey, err := crypto.UnwrapKey(exch.exportKey, exch.wrapped[0].WrappedKey)
	if err != nil {
		return nil, err
	}

	km := session.KeyMaterial{SessionKey: exch.sessionKey.Clone(), VaultKey: vaultKey}
	snap, err := f.sessions.Create(session.TagInfo{
		TagID:         tagID,
		Name:          exch.name,
		SecurityLevel: models.SecurityLevel(exch.level),
	}, km, f.fp.Fingerprint(), origin)
	if err != nil {
		return nil, err
	}
	return &Result{Session: snap, VaultID: exch.wrapped[0].VaultID, WrappedKeys: exch.wrapped}, nil
}

// exchangeResult carries everything a finished successful exchange yields.
type exchangeResult struct {
	tagID      string // hex
	name       string
	level      string
	attemptID  string
	sessionKey *crypto.SecretBuffer
	exportKey  *crypto.SecretBuffer
	wrapped    []transport.WrappedKeyPayload
}

func (e *exchangeResult) Close() {
	e.sessionKey.Close()
	e.exportKey.Close()
}

// exchange runs candidate lookup plus the two-round exchange. When no
// candidate matches the phrase it still runs the full protocol against the
// derived id; the server answers with a decoy record and the attempt fails
// exactly like a wrong phrase would.
func (f *Flow) exchange(ctx context.Context, phrase string) (*exchangeResult, error) {
	log.Debug().Str("state", string(StateCandidateLookup)).Msg("auth attempt")

	var cands []models.AuthCandidate
	err := f.withRetry(ctx, func() error {
		var cerr error
		cands, cerr = f.client.Candidates(ctx)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	stretched, cand, matched, err := f.lookup(phrase, cands)
	if err != nil {
		return nil, err
	}
	defer stretched.Close()

	if !f.acquire(cand.TagID) {
		return nil, ErrAuthInProgress
	}
	defer f.release(cand.TagID)

	cs, msg1, err := f.engine.ClientAuthInit()
	if err != nil {
		return nil, err
	}
	defer cs.Close()

	log.Debug().Str("state", string(StateRound1Sent)).Msg("auth attempt")
	var initResp *transport.AuthInitResponse
	err = f.withRetry(ctx, func() error {
		var ierr error
		initResp, ierr = f.client.AuthInit(ctx, cand.TagID, msg1)
		return ierr
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("state", string(StateRound1Received)).Msg("auth attempt")
	res, clientMsg2, err := f.engine.ClientAuthFinalize(stretched, cs, initResp.ServerMsg1)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("state", string(StateRound2Sent)).Msg("auth attempt")
	var finResp *transport.AuthFinalizeResponse
	err = f.withRetry(ctx, func() error {
		var ferr error
		finResp, ferr = f.client.AuthFinalize(ctx, transport.AuthFinalizeRequest{
			AttemptID:  initResp.AttemptID,
			ClientMsg2: clientMsg2,
		})
		return ferr
	})
	if err != nil {
		res.Close()
		return nil, err
	}

	log.Debug().Str("state", string(StateFinalized)).Msg("auth attempt")
	if !matched || !cand.Active || !finResp.Success || !opaque.VerifyConfirmation(res, finResp.ServerMsg2) {
		res.Close()
		return nil, errors.New("exchange rejected")
	}

	return &exchangeResult{
		tagID:      cand.TagID,
		name:       cand.Name,
		level:      cand.SecurityLevel,
		attemptID:  initResp.AttemptID,
		sessionKey: res.SessionKey,
		exportKey:  res.ExportKey,
		wrapped:    finResp.WrappedKeys,
	}, nil
}

// lookup stretches the phrase against each candidate salt until a derived
// id matches. No match yields a synthetic candidate so the attempt proceeds
// at full cost against a server-side decoy.
func (f *Flow) lookup(phrase string, cands []models.AuthCandidate) (*crypto.SecretBuffer, models.AuthCandidate, bool, error) {
	for _, c := range cands {
		stretched, err := crypto.Stretch([]byte(phrase), c.Salt)
		if err != nil {
			return nil, models.AuthCandidate{}, false, err
		}
		id, err := crypto.DeriveTagID(stretched)
		if err != nil {
			stretched.Close()
			return nil, models.AuthCandidate{}, false, err
		}
		if hex.EncodeToString(id) == c.TagID {
			return stretched, c, true, nil
		}
		stretched.Close()
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, models.AuthCandidate{}, false, err
	}
	stretched, err := crypto.Stretch([]byte(phrase), salt)
	if err != nil {
		return nil, models.AuthCandidate{}, false, err
	}
	id, err := crypto.DeriveTagID(stretched)
	if err != nil {
		stretched.Close()
		return nil, models.AuthCandidate{}, false, err
	}
	decoy := models.AuthCandidate{TagID: hex.EncodeToString(id), Salt: salt}
	return stretched, decoy, false, nil
}

// withRetry retries fn on retryable network failures with doubling backoff.
// Anything else is terminal on the first occurrence.
func (f *Flow) withRetry(ctx context.Context, fn func() error) error {
	delay := f.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, transport.ErrNetwork) || attempt >= f.cfg.MaxRetries {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying after network failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(delay):
		}
		delay *= 2
	}
}

// pad stalls until the attempt has consumed at least the configured floor.
func (f *Flow) pad(ctx context.Context, start time.Time) {
	if f.cfg.PadFloor <= 0 {
		return
	}
	remaining := f.cfg.PadFloor - f.clock.Now().Sub(start)
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-f.clock.After(remaining):
	}
}

func (f *Flow) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inflight[key]; ok {
		return false
	}
	f.inflight[key] = struct{}{}
	return true
}

func (f *Flow) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, key)
}
