package authflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/storage"
	"github.com/org/tagvault/internal/tags"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/pkg/models"
)

// fakeClient is an in-process stand-in for the HTTP transport, backed by a
// real registry and the real server side of the exchange.
type fakeClient struct {
	registry *tags.Registry
	store    *storage.MemoryBackend
	engine   opaque.Engine
	secret   []byte
	userID   string

	mu           sync.Mutex
	attempts     map[string]*fakeAttempt
	nextAttempt  int
	initCalls    int
	finCalls     int
	candFailures int // fail this many Candidates calls with ErrNetwork first
	candCalls    int

	authInitGate chan struct{} // if set, AuthInit blocks until closed
}

type fakeAttempt struct {
	state   *opaque.ServerState
	tagID   []byte
	decoy   bool
	succeed bool
}

func newFakeClient(mgr *session.Manager) *fakeClient {
	store := storage.NewMemoryBackend()
	secret := make([]byte, 32)
	rand.Read(secret)
	return &fakeClient{
		registry: tags.NewRegistry(store, mgr),
		store:    store,
		engine:   opaque.NewEngine(),
		secret:   secret,
		userID:   "user-1",
		attempts: make(map[string]*fakeAttempt),
	}
}

func (c *fakeClient) RegisterTag(ctx context.Context, req transport.RegisterTagRequest) error {
	tagID, err := hex.DecodeString(req.TagID)
	if err != nil {
		return transport.ErrRejected
	}
	return c.registry.Register(ctx, c.userID, tags.Material{
		TagID:         tagID,
		Salt:          req.Salt,
		Envelope:      req.Envelope,
		Verifier:      req.Verifier,
		Name:          req.Name,
		Color:         req.Color,
		SecurityLevel: models.SecurityLevel(req.SecurityLevel),
		VaultID:       req.VaultID,
		WrappedKey:    req.WrappedKey,
	})
}

func (c *fakeClient) ListTags(ctx context.Context) ([]models.TagSummary, error) {
	return c.registry.List(ctx, c.userID)
}

func (c *fakeClient) Candidates(ctx context.Context) ([]models.AuthCandidate, error) {
	c.mu.Lock()
	c.candCalls++
	fail := c.candFailures > 0
	if fail {
		c.candFailures--
	}
	c.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: synthetic outage", transport.ErrNetwork)
	}
	return c.registry.Candidates(ctx, c.userID)
}

func (c *fakeClient) UpdateTagMeta(ctx context.Context, tagID string, name, color *string) error {
	id, _ := hex.DecodeString(tagID)
	if name != nil {
		return c.registry.Rename(ctx, id, *name)
	}
	if color != nil {
		return c.registry.Recolor(ctx, id, *color)
	}
	return nil
}

func (c *fakeClient) SetTagActive(ctx context.Context, tagID string, active bool) error {
	id, _ := hex.DecodeString(tagID)
	return c.registry.SetActive(ctx, id, active)
}

func (c *fakeClient) DeleteTag(ctx context.Context, tagID string) error {
	id, _ := hex.DecodeString(tagID)
	return c.registry.Delete(ctx, id)
}

func (c *fakeClient) RekeyTag(ctx context.Context, req transport.RekeyRequest) error {
	c.mu.Lock()
	att, ok := c.attempts[req.AttemptID]
	c.mu.Unlock()
	if !ok || !att.succeed || hex.EncodeToString(att.tagID) != req.OldTagID {
		return transport.ErrRejected
	}
	oldID, _ := hex.DecodeString(req.OldTagID)
	newID, err := hex.DecodeString(req.NewTagID)
	if err != nil {
		return transport.ErrRejected
	}
	rec := tags.RekeyRecord{
		NewTagID: newID,
		Salt:     req.Salt,
		Envelope: req.Envelope,
		Verifier: req.Verifier,
	}
	for _, wk := range req.WrappedKeys {
		rec.WrappedKeys = append(rec.WrappedKeys, models.WrappedKey{VaultID: wk.VaultID, Wrapped: wk.WrappedKey})
	}
	_, err = c.registry.Rekey(ctx, c.userID, oldID, rec)
	return err
}

func (c *fakeClient) AuthInit(ctx context.Context, tagID string, clientMsg1 []byte) (*transport.AuthInitResponse, error) {
	if c.authInitGate != nil {
		<-c.authInitGate
	}
	c.mu.Lock()
	c.initCalls++
	c.mu.Unlock()

	id, err := hex.DecodeString(tagID)
	if err != nil {
		return nil, transport.ErrRejected
	}
	var record *opaque.ServerRecord
	decoy := false
	if tag, gerr := c.store.GetTag(ctx, id); gerr == nil {
		record = &opaque.ServerRecord{Verifier: tag.Verifier, Envelope: tag.Envelope}
	} else {
		record = opaque.DecoyRecord(c.secret, id)
		decoy = true
	}
	st, serverMsg1, err := c.engine.ServerAuthRespond(record, clientMsg1)
	if err != nil {
		return nil, transport.ErrRejected
	}

	c.mu.Lock()
	c.nextAttempt++
	attID := fmt.Sprintf("att-%d", c.nextAttempt)
	c.attempts[attID] = &fakeAttempt{state: st, tagID: id, decoy: decoy}
	c.mu.Unlock()
	return &transport.AuthInitResponse{AttemptID: attID, ServerMsg1: serverMsg1}, nil
}

func (c *fakeClient) AuthFinalize(ctx context.Context, req transport.AuthFinalizeRequest) (*transport.AuthFinalizeResponse, error) {
	c.mu.Lock()
	c.finCalls++
	att, ok := c.attempts[req.AttemptID]
	c.mu.Unlock()
	if !ok {
		return nil, transport.ErrRejected
	}

	key, confirm, err := c.engine.ServerAuthConfirm(att.state, req.ClientMsg2)
	if err != nil || att.decoy {
		garbage := make([]byte, 32)
		rand.Read(garbage)
		return &transport.AuthFinalizeResponse{Success: false, ServerMsg2: garbage}, nil
	}
	key.Close()
	att.succeed = true

	wks, err := c.store.ListWrappedKeys(ctx, att.tagID)
	if err != nil {
		return nil, transport.ErrRejected
	}
	resp := &transport.AuthFinalizeResponse{Success: true, ServerMsg2: confirm}
	for _, wk := range wks {
		resp.WrappedKeys = append(resp.WrappedKeys, transport.WrappedKeyPayload{VaultID: wk.VaultID, WrappedKey: wk.Wrapped})
	}
	return resp, nil
}

func (c *fakeClient) PutObject(ctx context.Context, vaultID string, obj transport.ObjectPayload) error {
	return c.store.PutBlob(ctx, &models.VaultBlob{VaultID: vaultID, ObjectID: obj.ObjectID, IV: obj.IV, Ciphertext: obj.Ciphertext})
}

func (c *fakeClient) GetObject(ctx context.Context, vaultID, objectID string) (*transport.ObjectPayload, error) {
	b, err := c.store.GetBlob(ctx, vaultID, objectID)
	if err != nil {
		return nil, transport.ErrNotFound
	}
	return &transport.ObjectPayload{ObjectID: b.ObjectID, IV: b.IV, Ciphertext: b.Ciphertext}, nil
}

func (c *fakeClient) ListObjects(ctx context.Context, vaultID string) ([]transport.ObjectPayload, error) {
	blobs, err := c.store.ListBlobs(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	out := make([]transport.ObjectPayload, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, transport.ObjectPayload{ObjectID: b.ObjectID, IV: b.IV})
	}
	return out, nil
}

func (c *fakeClient) DeleteObject(ctx context.Context, vaultID, objectID string) error {
	return c.store.DeleteBlob(ctx, vaultID, objectID)
}

var _ transport.Client = (*fakeClient)(nil)

func newTestFlow(t *testing.T, cfg Config) (*Flow, *fakeClient, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(models.DefaultSessionConfig(), nil)
	fc := newFakeClient(mgr)
	flow := New(opaque.NewEngine(), fc, mgr, StaticFingerprint("fp-test"), clockx.Real{}, cfg)
	return flow, fc, mgr
}

func fastConfig() Config {
	return Config{PadFloor: 0, MaxRetries: 3, RetryBase: time.Millisecond}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	flow, _, mgr := newTestFlow(t, fastConfig())
	ctx := context.Background()

	tagID, err := flow.RegisterTag(ctx, "journal", "correct horse battery", "#abc", models.SecurityStandard)
	if err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}

	res, err := flow.Authenticate(ctx, "correct horse battery", session.OriginVoice)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.VaultID == "" {
		t.Error("missing vault id")
	}
	if hex.EncodeToString(res.Session.TagID) != tagID {
		t.Error("session bound to wrong tag")
	}
	if res.Session.State != session.StateActive || res.Session.Origin != session.OriginVoice {
		t.Errorf("session = %+v", res.Session)
	}

	key, err := mgr.VaultKey(res.Session.ID, "fp-test")
	if err != nil {
		t.Fatalf("VaultKey: %v", err)
	}
	key.Close()
}

func TestWrongPhraseFailsGenerically(t *testing.T) {
	flow, _, mgr := newTestFlow(t, fastConfig())
	ctx := context.Background()

	if _, err := flow.RegisterTag(ctx, "journal", "the right phrase", "", models.SecurityStandard); err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}
	_, err := flow.Authenticate(ctx, "something else entirely", session.OriginManual)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("got %v, want ErrAuthenticationFailed", err)
	}
	if n := mgr.CountByState()[session.StateActive]; n != 0 {
		t.Errorf("active sessions after failed auth = %d, want 0", n)
	}
}

func TestUnknownPhraseRunsFullProtocol(t *testing.T) {
	flow, fc, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	// No tags registered at all: lookup cannot match, yet the attempt must
	// still run both rounds against a server decoy.
	_, err := flow.Authenticate(ctx, "phrase matching nothing", session.OriginManual)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("got %v, want ErrAuthenticationFailed", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.initCalls != 1 || fc.finCalls != 1 {
		t.Errorf("decoy attempt ran init=%d finalize=%d, want 1/1", fc.initCalls, fc.finCalls)
	}
}

func TestNetworkRetrySucceeds(t *testing.T) {
	flow, fc, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	if _, err := flow.RegisterTag(ctx, "journal", "my retry phrase ok", "", models.SecurityStandard); err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}
	fc.mu.Lock()
	fc.candFailures = 2
	fc.mu.Unlock()

	if _, err := flow.Authenticate(ctx, "my retry phrase ok", session.OriginManual); err != nil {
		t.Fatalf("Authenticate after transient failures: %v", err)
	}
}

func TestNetworkRetryExhaustion(t *testing.T) {
	flow, fc, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	fc.mu.Lock()
	fc.candFailures = 100
	fc.mu.Unlock()

	_, err := flow.Authenticate(ctx, "does not matter here", session.OriginManual)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("got %v, want ErrAuthenticationFailed", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if want := flow.cfg.MaxRetries + 1; fc.candCalls != want {
		t.Errorf("candidate calls = %d, want %d", fc.candCalls, want)
	}
}

func TestSingleFlightPerTag(t *testing.T) {
	flow, fc, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	if _, err := flow.RegisterTag(ctx, "journal", "the blocking phrase", "", models.SecurityStandard); err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}

	gate := make(chan struct{})
	fc.authInitGate = gate

	done := make(chan error, 1)
	go func() {
		_, err := flow.Authenticate(ctx, "the blocking phrase", session.OriginManual)
		done <- err
	}()

	// Wait until the first attempt holds the tag lock inside AuthInit.
	deadline := time.After(30 * time.Second)
	for {
		flow.mu.Lock()
		held := len(flow.inflight) == 1
		flow.mu.Unlock()
		if held {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first attempt never reached the exchange")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := flow.Authenticate(ctx, "the blocking phrase", session.OriginManual); !errors.Is(err, ErrAuthInProgress) {
		t.Errorf("second attempt: got %v, want ErrAuthInProgress", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}

func TestPaddingHoldsResultToFloor(t *testing.T) {
	mgr := session.NewManager(models.DefaultSessionConfig(), nil)
	fc := newFakeClient(mgr)
	clock := clockx.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	flow := New(opaque.NewEngine(), fc, mgr, StaticFingerprint("fp"), clock, Config{
		PadFloor: 900 * time.Millisecond, MaxRetries: 0, RetryBase: time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		_, err := flow.Authenticate(context.Background(), "no such phrase here", session.OriginManual)
		done <- err
	}()

	// The attempt finishes its work immediately on the fake clock, then must
	// sit in the padding wait until the clock reaches the floor.
	select {
	case err := <-done:
		t.Fatalf("result released before the padding floor: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	deadline := time.After(30 * time.Second)
	for {
		clock.Advance(100 * time.Millisecond)
		select {
		case err := <-done:
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("got %v, want ErrAuthenticationFailed", err)
			}
			return
		case <-deadline:
			t.Fatal("padding never released")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestRekeyEndToEnd(t *testing.T) {
	flow, _, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	oldID, err := flow.RegisterTag(ctx, "journal", "my original phrase", "#00f", models.SecurityStandard)
	if err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}

	newID, err := flow.Rekey(ctx, "my original phrase", "my replacement one")
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if newID == oldID {
		t.Fatal("re-key must change the tag id")
	}

	if _, err := flow.Authenticate(ctx, "my original phrase", session.OriginManual); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("old phrase after re-key: got %v, want ErrAuthenticationFailed", err)
	}
	res, err := flow.Authenticate(ctx, "my replacement one", session.OriginManual)
	if err != nil {
		t.Fatalf("new phrase after re-key: %v", err)
	}
	if hex.EncodeToString(res.Session.TagID) != newID {
		t.Error("session bound to wrong tag after re-key")
	}
}

func TestConfirm(t *testing.T) {
	flow, _, _ := newTestFlow(t, fastConfig())
	ctx := context.Background()

	idHex, err := flow.RegisterTag(ctx, "journal", "the enhanced phrase", "", models.SecurityEnhanced)
	if err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}
	tagID, _ := hex.DecodeString(idHex)

	if err := flow.Confirm(ctx, tagID, "the enhanced phrase"); err != nil {
		t.Errorf("Confirm with correct phrase: %v", err)
	}
	if err := flow.Confirm(ctx, tagID, "wrong phrase again"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Confirm with wrong phrase: got %v, want ErrAuthenticationFailed", err)
	}
}
