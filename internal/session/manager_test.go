package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/pkg/models"
)

func testConfig() models.SessionConfig {
	return models.SessionConfig{
		DefaultTimeout: 15 * time.Minute,
		ExtensionStep:  5 * time.Minute,
		MaxExtensions:  3,
		SweepInterval:  30 * time.Second,
	}
}

func testKeys(t *testing.T) KeyMaterial {
	t.Helper()
	sk, err := crypto.GenerateDataKey()
	if err != nil {
		t.Fatal(err)
	}
	vk, err := crypto.GenerateDataKey()
	if err != nil {
		t.Fatal(err)
	}
	return KeyMaterial{SessionKey: sk, VaultKey: vk}
}

func testTag() TagInfo {
	return TagInfo{TagID: []byte("0123456789abcdef"), Name: "work", SecurityLevel: models.SecurityStandard}
}

func newTestManager(t *testing.T) (*Manager, *clockx.Fake) {
	t.Helper()
	clk := clockx.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(testConfig(), clk), clk
}

func TestCreateAndGet(t *testing.T) {
	m, clk := newTestManager(t)
	snap, err := m.Create(testTag(), testKeys(t), "device-1", OriginVoice)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.State != StateActive {
		t.Errorf("new session state = %v", snap.State)
	}
	if snap.HealthScore != 100 {
		t.Errorf("new session health = %d", snap.HealthScore)
	}
	want := clk.Now().Add(15 * time.Minute)
	if !snap.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", snap.ExpiresAt, want)
	}

	got, err := m.Get(snap.ID, "device-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != snap.ID {
		t.Error("Get returned wrong session")
	}
	if _, err := m.Get("no-such-session", "device-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestExpiryOnAccess(t *testing.T) {
	m, clk := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	clk.Advance(16 * time.Minute)
	if _, err := m.Get(snap.ID, "device-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("Get on expired: want ErrExpired, got %v", err)
	}
	got, err := m.Inspect(snap.ID)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if got.State != StateExpired {
		t.Errorf("state = %v, want expired", got.State)
	}
	if _, err := m.VaultKey(snap.ID, "device-1"); !errors.Is(err, ErrExpired) {
		t.Errorf("VaultKey on expired: want ErrExpired, got %v", err)
	}
}

func TestGetRefusesDeadSessions(t *testing.T) {
	m, _ := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	m.TerminateForTag(testTag().TagID)
	if _, err := m.Get(snap.ID, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on terminated: want ErrNotFound, got %v", err)
	}

	tag := testTag()
	tag.SecurityLevel = models.SecurityEnhanced
	snap2, _ := m.Create(tag, testKeys(t), "device-1", OriginVoice)
	m.Get(snap2.ID, "device-2")
	if _, err := m.Get(snap2.ID, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on invalidated: want ErrNotFound, got %v", err)
	}
}

func TestExtendRules(t *testing.T) {
	m, clk := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)
	before := snap.ExpiresAt

	ext, err := m.Extend(snap.ID, 5*time.Minute)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if !ext.ExpiresAt.Equal(before.Add(5 * time.Minute)) {
		t.Errorf("expires_at = %v", ext.ExpiresAt)
	}
	if ext.Extensions != 1 {
		t.Errorf("extensions = %d", ext.Extensions)
	}

	// Cap.
	m.Extend(snap.ID, time.Minute)
	m.Extend(snap.ID, time.Minute)
	if _, err := m.Extend(snap.ID, time.Minute); !errors.Is(err, ErrTooManyExtensions) {
		t.Errorf("want ErrTooManyExtensions, got %v", err)
	}

	// Expired sessions cannot extend.
	clk.Advance(2 * time.Hour)
	if _, err := m.Extend(snap.ID, time.Minute); !errors.Is(err, ErrCannotExtendExpired) {
		t.Errorf("want ErrCannotExtendExpired, got %v", err)
	}
}

func TestExtendAllowedWhileLocked(t *testing.T) {
	m, _ := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)
	if _, err := m.Lock(snap.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := m.Extend(snap.ID, time.Minute); err != nil {
		t.Errorf("Extend on locked session should succeed, got %v", err)
	}
}

func TestLockBlocksVaultKey(t *testing.T) {
	m, _ := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	key, err := m.VaultKey(snap.ID, "device-1")
	if err != nil {
		t.Fatalf("VaultKey failed: %v", err)
	}
	key.Close()

	if _, err := m.Lock(snap.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := m.VaultKey(snap.ID, "device-1"); !errors.Is(err, ErrLocked) {
		t.Errorf("want ErrLocked, got %v", err)
	}

	if _, err := m.Unlock(context.Background(), snap.ID); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	key, err = m.VaultKey(snap.ID, "device-1")
	if err != nil {
		t.Errorf("VaultKey after unlock failed: %v", err)
	}
	key.Close()
}

func TestUnlockEnhancedRequiresConfirmation(t *testing.T) {
	m, _ := newTestManager(t)
	confirmed := false
	m.SetUnlockConfirmer(func(ctx context.Context, tagID []byte) error {
		confirmed = true
		return nil
	})
	tag := testTag()
	tag.SecurityLevel = models.SecurityEnhanced
	snap, _ := m.Create(tag, testKeys(t), "device-1", OriginVoice)

	m.Lock(snap.ID)
	if _, err := m.Unlock(context.Background(), snap.ID); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !confirmed {
		t.Error("enhanced unlock should have run the confirmer")
	}

	m.SetUnlockConfirmer(func(ctx context.Context, tagID []byte) error {
		return errors.New("phrase rejected")
	})
	m.Lock(snap.ID)
	if _, err := m.Unlock(context.Background(), snap.ID); !errors.Is(err, ErrUnlockConfirmation) {
		t.Errorf("want ErrUnlockConfirmation, got %v", err)
	}
}

func TestUnlockEnhancedFailsClosedWithoutConfirmer(t *testing.T) {
	m, _ := newTestManager(t)
	tag := testTag()
	tag.SecurityLevel = models.SecurityEnhanced
	snap, _ := m.Create(tag, testKeys(t), "device-1", OriginVoice)

	m.Lock(snap.ID)
	if _, err := m.Unlock(context.Background(), snap.ID); !errors.Is(err, ErrUnlockConfirmation) {
		t.Fatalf("want ErrUnlockConfirmation with no confirmer, got %v", err)
	}
	if _, err := m.VaultKey(snap.ID, "device-1"); !errors.Is(err, ErrLocked) {
		t.Errorf("session should stay locked, got %v", err)
	}
}

func TestFingerprintMismatchInvalidatesEnhanced(t *testing.T) {
	m, _ := newTestManager(t)
	tag := testTag()
	tag.SecurityLevel = models.SecurityEnhanced
	snap, _ := m.Create(tag, testKeys(t), "device-1", OriginVoice)

	if _, err := m.Get(snap.ID, "device-2"); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("want ErrFingerprintMismatch, got %v", err)
	}
	// The session is gone for the real device too.
	if _, err := m.Get(snap.ID, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on invalidated: want ErrNotFound, got %v", err)
	}
	got, err := m.Inspect(snap.ID)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if got.State != StateInvalidated {
		t.Errorf("state = %v, want invalidated", got.State)
	}
}

func TestTouchNeverMovesExpiry(t *testing.T) {
	m, clk := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	clk.Advance(3 * time.Minute)
	got, err := m.Touch(snap.ID)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !got.ExpiresAt.Equal(snap.ExpiresAt) {
		t.Error("Touch must not move expires_at")
	}
	if !got.LastActivityAt.Equal(clk.Now()) {
		t.Error("Touch should refresh last_activity_at")
	}
}

func TestTerminateForTag(t *testing.T) {
	m, _ := newTestManager(t)
	tag := testTag()
	s1, _ := m.Create(tag, testKeys(t), "device-1", OriginManual)
	s2, _ := m.Create(tag, testKeys(t), "device-1", OriginVoice)
	other := TagInfo{TagID: []byte("ffffffffffffffff"), Name: "other", SecurityLevel: models.SecurityStandard}
	s3, _ := m.Create(other, testKeys(t), "device-1", OriginManual)

	if n := m.TerminateForTag(tag.TagID); n != 2 {
		t.Errorf("terminated %d, want 2", n)
	}
	for _, id := range []string{s1.ID, s2.ID} {
		if _, err := m.Get(id, "device-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get on terminated %s: want ErrNotFound, got %v", id, err)
		}
		got, _ := m.Inspect(id)
		if got.State != StateTerminated {
			t.Errorf("session %s state = %v", id, got.State)
		}
	}
	got, _ := m.Get(s3.ID, "device-1")
	if got.State != StateActive {
		t.Error("unrelated tag's session should survive")
	}
}

func TestInvalidateAll(t *testing.T) {
	m, _ := newTestManager(t)
	m.Create(testTag(), testKeys(t), "device-1", OriginManual)
	snap2, _ := m.Create(testTag(), testKeys(t), "device-1", OriginVoice)
	m.Lock(snap2.ID)

	wiped := map[string]int{}
	var mu sync.Mutex
	m.RegisterWipeHook("cache", func(ctx context.Context) error {
		mu.Lock()
		wiped["cache"]++
		mu.Unlock()
		return nil
	})
	m.RegisterWipeHook("blobs", func(ctx context.Context) error {
		mu.Lock()
		wiped["blobs"]++
		mu.Unlock()
		return errors.New("wipe failed")
	})

	err := m.InvalidateAll(context.Background(), "test trigger")
	if !errors.Is(err, ErrIncompleteTeardown) {
		t.Fatalf("want ErrIncompleteTeardown when a hook fails, got %v", err)
	}

	counts := m.CountByState()
	if counts[StateActive] != 0 || counts[StateLocked] != 0 {
		t.Errorf("live sessions remain after panic: %v", counts)
	}
	if wiped["cache"] != 1 || wiped["blobs"] != 1 {
		t.Errorf("hooks not all run: %v", wiped)
	}

	// Idempotent and concurrent-safe.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.InvalidateAll(context.Background(), "again")
		}()
	}
	wg.Wait()
	counts = m.CountByState()
	if counts[StateActive] != 0 || counts[StateLocked] != 0 {
		t.Error("sessions revived by repeated invalidation")
	}
}

func TestSweepZeroesAndPrunes(t *testing.T) {
	m, clk := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	clk.Advance(16 * time.Minute)
	m.Sweep()
	got, err := m.Inspect(snap.ID)
	if err != nil {
		t.Fatalf("Inspect after sweep: %v", err)
	}
	if got.State != StateExpired {
		t.Errorf("state = %v, want expired", got.State)
	}

	// Long-dead records get pruned entirely.
	clk.Advance(time.Hour)
	m.Sweep()
	if _, err := m.Get(snap.ID, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound after prune, got %v", err)
	}
}

func TestConcurrentExtendAndLock(t *testing.T) {
	m, _ := newTestManager(t)
	snap, _ := m.Create(testTag(), testKeys(t), "device-1", OriginManual)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Extend(snap.ID, time.Second)
		}()
		go func() {
			defer wg.Done()
			m.Lock(snap.ID)
			m.Unlock(context.Background(), snap.ID)
		}()
	}
	wg.Wait()

	got, err := m.Get(snap.ID, "device-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Expiry must reflect exactly the extensions that succeeded.
	want := snap.ExpiresAt.Add(time.Duration(got.Extensions) * time.Second)
	if !got.ExpiresAt.Equal(want) {
		t.Errorf("expires_at %v inconsistent with %d extensions", got.ExpiresAt, got.Extensions)
	}
}
