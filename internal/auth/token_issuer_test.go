package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "cqm-auth",
		Audience:      "cqm-sync-api",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(func() time.Time { return time.Unix(1700000000, 0) })

	token, expiresIn, err := issuer.IssueToken(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64(15*time.Minute/time.Second) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	userID, tenantID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-1" || tenantID != "tenant-1" {
		t.Fatalf("unexpected claims %s/%s", userID, tenantID)
	}
}

func TestIssueTokenRequiresUserAndTenant(t *testing.T) {
	issuer := newTestIssuer(nil)

	if _, _, err := issuer.IssueToken(context.Background(), "", "tenant-1"); err == nil {
		t.Fatalf("expected missing subject to be rejected")
	}
	if _, _, err := issuer.IssueToken(context.Background(), "user-1", ""); err == nil {
		t.Fatalf("expected missing tenant to be rejected")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsForeignAudience(t *testing.T) {
	issuer := newTestIssuer(nil)
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "cqm-auth",
		Audience:      "another-service",
	})

	token, _, err := other.IssueToken(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign audience to be rejected")
	}
}

func TestValidateTokenRejectsTamperedSecret(t *testing.T) {
	issuer := newTestIssuer(nil)
	forged := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "cqm-auth",
		Audience:      "cqm-sync-api",
	})

	token, _, err := forged.IssueToken(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected forged signature to be rejected")
	}
}
