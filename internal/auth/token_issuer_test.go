package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerMintsTokensTheValidatorAccepts(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(context.Background(), Identity{
		UserID:      "user-123",
		Email:       "user@example.com",
		DisplayName: " Lucky Farmer ",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("super-secret"),
		CookieName:    "app_session",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected validator error: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserDisplayName != "Lucky Farmer" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if claims.Issuer != defaultSessionIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{TokenTTL: time.Minute}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerRejectsNegativeTTL(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), TokenTTL: -time.Minute}); err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}

func TestTokenIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), Identity{UserID: "  "}); err == nil {
		t.Fatalf("expected error for blank user id")
	}
}
