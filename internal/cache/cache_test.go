package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/pkg/models"
)

func newTestStore(t *testing.T, maxAge time.Duration) (*Store, *clockx.Fake) {
	t.Helper()
	clock := clockx.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "tags.db")
	s, err := Open(path, maxAge, clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func candidate(id, name string) models.AuthCandidate {
	return models.AuthCandidate{
		TagID:         id,
		Salt:          []byte("0123456789abcdef"),
		Envelope:      []byte("envelope-bytes"),
		Name:          name,
		SecurityLevel: "standard",
		Active:        true,
	}
}

func TestOpenRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.db")
	s, err := Open(path, time.Hour, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("cache file mode = %o, want 600", perm)
	}
}

func TestReconcileAndRead(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := s.Reconcile(ctx, []models.AuthCandidate{candidate("aa", "alpha"), candidate("bb", "beta")}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, err := s.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Fatalf("candidates = %+v", got)
	}
	if string(got[0].Envelope) != "envelope-bytes" {
		t.Error("envelope not round-tripped")
	}

	// A second reconcile drops tags the server no longer reports.
	if err := s.PutWrappedKeys(ctx, "bb", []models.WrappedKey{{VaultID: "v1", Wrapped: []byte{1}}}); err != nil {
		t.Fatalf("PutWrappedKeys: %v", err)
	}
	if err := s.Reconcile(ctx, []models.AuthCandidate{candidate("aa", "alpha")}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, err = s.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 || got[0].TagID != "aa" {
		t.Fatalf("after reconcile = %+v", got)
	}
	if wks, _ := s.WrappedKeys(ctx, "bb"); len(wks) != 0 {
		t.Error("wrapped keys for dropped tag survived reconcile")
	}
}

func TestWrappedKeysRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	keys := []models.WrappedKey{
		{VaultID: "v1", Wrapped: []byte{1, 2, 3}},
		{VaultID: "v2", Wrapped: []byte{4, 5}},
	}
	if err := s.PutWrappedKeys(ctx, "aa", keys); err != nil {
		t.Fatalf("PutWrappedKeys: %v", err)
	}
	// Upsert replaces, never duplicates.
	if err := s.PutWrappedKeys(ctx, "aa", []models.WrappedKey{{VaultID: "v1", Wrapped: []byte{9}}}); err != nil {
		t.Fatalf("PutWrappedKeys upsert: %v", err)
	}

	got, err := s.WrappedKeys(ctx, "aa")
	if err != nil {
		t.Fatalf("WrappedKeys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("wrapped keys = %d, want 2", len(got))
	}
	for _, wk := range got {
		if wk.VaultID == "v1" && wk.Wrapped[0] != 9 {
			t.Error("upsert did not replace wrapped key")
		}
	}
}

func TestMaxAgeEviction(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := s.Reconcile(ctx, []models.AuthCandidate{candidate("aa", "alpha")}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	clock.Advance(2 * time.Hour)

	got, err := s.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stale candidates still served: %+v", got)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestPurgeAll(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := s.Reconcile(ctx, []models.AuthCandidate{candidate("aa", "alpha")}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := s.PutWrappedKeys(ctx, "aa", []models.WrappedKey{{VaultID: "v1", Wrapped: []byte{1}}}); err != nil {
		t.Fatalf("PutWrappedKeys: %v", err)
	}

	if err := s.PurgeAll(ctx); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if got, _ := s.Candidates(ctx); len(got) != 0 {
		t.Error("candidates survived purge")
	}
	if wks, _ := s.WrappedKeys(ctx, "aa"); len(wks) != 0 {
		t.Error("wrapped keys survived purge")
	}
}
