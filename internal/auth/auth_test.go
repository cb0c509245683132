package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv(secretEnvVariable, "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestTokenRoundTrip(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken("did:q:alice", []string{"Admin", "admin", " editor "}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "did:q:alice" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "admin" || claims.Roles[1] != "editor" {
		t.Fatalf("roles not normalized: %v", claims.Roles)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	withSecret(t)

	if _, err := GenerateToken("", nil, time.Hour); err == nil {
		t.Fatal("empty identity must be rejected")
	}
	if _, err := GenerateToken("did:q:alice", nil, 0); err == nil {
		t.Fatal("zero ttl must be rejected")
	}
}

func TestParseRejectsGarbageAndExpired(t *testing.T) {
	withSecret(t)

	if _, err := ParseAndValidate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	token, err := GenerateToken("did:q:alice", nil, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken("did:q:alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv(secretEnvVariable, "a-different-secret")
	ResetSecretForTests()

	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token signed with another secret must fail, got %v", err)
	}
}

func TestMissingSecretSurfaces(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("did:q:alice", nil, time.Hour); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected missing-secret error, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "did:q:alice", []string{"Admin", "admin"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "did:q:alice" {
		t.Fatalf("identity not propagated: %q %v", id, ok)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("roles not deduplicated: %v", roles)
	}
	if !HasRole(ctx, "ADMIN") {
		t.Fatal("role lookup must be case insensitive")
	}
	if HasRole(ctx, "editor") {
		t.Fatal("absent role reported as present")
	}
	if HasRole(context.Background(), "admin") {
		t.Fatal("empty context must have no roles")
	}
}
