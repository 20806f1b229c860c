package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenRevokerUserCutoffMonotonic(t *testing.T) {
	r := NewMemoryTokenRevoker()
	first := time.Now().UTC().Add(-time.Minute)
	second := time.Now().UTC()

	if err := r.RevokeUser("user-1", first); err != nil {
		t.Fatalf("revoke user first: %v", err)
	}
	if err := r.RevokeUser("user-1", first.Add(-time.Minute)); err != nil {
		t.Fatalf("revoke user older cutoff: %v", err)
	}
	got, err := r.RevokedAfter("user-1")
	if err != nil {
		t.Fatalf("revoked after first: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("expected first cutoff to be kept, got %v", got)
	}

	if err := r.RevokeUser("user-1", second); err != nil {
		t.Fatalf("revoke user second: %v", err)
	}
	got, err = r.RevokedAfter("user-1")
	if err != nil {
		t.Fatalf("revoked after second: %v", err)
	}
	if !got.Equal(second) {
		t.Fatalf("expected newest cutoff, got %v", got)
	}
}

func TestMemoryTokenRevokerExpiresEntries(t *testing.T) {
	r := NewMemoryTokenRevoker()
	if err := r.Revoke("jti-1", time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	revoked, err := r.IsRevoked("jti-1")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if revoked {
		t.Fatalf("expected expired revocation to lapse")
	}
}

func TestRedisTokenRevokerTracksTokensAndCutoffs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisTokenRevokerWithClient(client, time.Hour)

	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked("jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v err=%v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	revoked, _ = r.IsRevoked("jti-1")
	if revoked {
		t.Fatalf("expected revocation to expire with ttl")
	}

	newer := time.Now().UTC().Truncate(time.Millisecond)
	older := newer.Add(-time.Hour)
	if err := r.RevokeUser("user-1", newer); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if err := r.RevokeUser("user-1", older); err != nil {
		t.Fatalf("revoke user older: %v", err)
	}
	got, err := r.RevokedAfter("user-1")
	if err != nil {
		t.Fatalf("revoked after: %v", err)
	}
	if !got.Equal(newer) {
		t.Fatalf("expected newer cutoff kept, got %v want %v", got, newer)
	}
	if got, _ := r.RevokedAfter("nobody"); !got.IsZero() {
		t.Fatalf("expected zero cutoff for unknown user")
	}
}
