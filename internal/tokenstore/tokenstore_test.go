package tokenstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tokens.enc"), "host-secret", "admin@t.onmicrosoft.com", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := Bundle{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second).UTC(),
		Scopes:       []string{"Mail.Send", "offline_access"},
		AccountID:    "oid-789",
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.AccountID != want.AccountID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("expiry mismatch: got %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestLoadReturnsAbsentWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tokens.enc"), "host-secret", "admin@t.onmicrosoft.com", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Load(); err != ErrAbsent {
		t.Fatalf("expected ErrAbsent, got %v", err)
	}
}

func TestLoadTreatsWrongKeyAsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.enc")

	s1, _ := Open(path, "host-secret-a", "admin@t.onmicrosoft.com", nil)
	if err := s1.Save(Bundle{AccessToken: "x", ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, _ := Open(path, "host-secret-b", "admin@t.onmicrosoft.com", nil)
	if _, err := s2.Load(); err != ErrAbsent {
		t.Fatalf("expected ErrAbsent for a token file encrypted on a different host, got %v", err)
	}
}

func TestClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.enc")
	s, _ := Open(path, "host-secret", "admin@t.onmicrosoft.com", nil)

	if err := s.Save(Bundle{AccessToken: "x", ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Load(); err != ErrAbsent {
		t.Fatalf("expected ErrAbsent after Clear, got %v", err)
	}
	// Clear is idempotent.
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestBundleNeedsRefresh(t *testing.T) {
	now := time.Now()
	fresh := Bundle{ExpiresAt: now.Add(10 * time.Minute)}
	if fresh.NeedsRefresh(now) {
		t.Error("expected fresh token not to need refresh")
	}
	stale := Bundle{ExpiresAt: now.Add(4 * time.Minute)}
	if !stale.NeedsRefresh(now) {
		t.Error("expected token with <=5m remaining to need refresh")
	}
}
