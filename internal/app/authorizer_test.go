package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "sync-test-secret"

func signTestToken(t *testing.T, claims syncClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testToken(t *testing.T, actorID, tenantID string) string {
	t.Helper()
	return signTestToken(t, syncClaims{
		TenantID:  tenantID,
		Env:       "prod",
		ActorType: "human",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	auth := newJWTAuthorizer(testJWTSecret)
	id, err := auth.Authenticate(context.Background(), testToken(t, "actor-1", "tenant-a"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.ActorID != "actor-1" || id.TenantID != "tenant-a" || id.Env != "prod" || id.ActorType != "human" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestAuthenticateDefaultsActorTypeAndEnv(t *testing.T) {
	auth := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, syncClaims{
		TenantID: "tenant-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "actor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	id, err := auth.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.ActorType != "human" || id.Env != "prod" {
		t.Fatalf("expected defaults, got %+v", id)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	auth := newJWTAuthorizer(testJWTSecret)
	ctx := context.Background()

	if _, err := auth.Authenticate(ctx, ""); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := auth.Authenticate(ctx, "not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, syncClaims{
		TenantID: "tenant-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "actor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := auth.Authenticate(ctx, wrongKey); err == nil {
		t.Fatal("expected error for wrong signing key")
	}

	expired := signTestToken(t, syncClaims{
		TenantID: "tenant-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "actor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := auth.Authenticate(ctx, expired); err == nil {
		t.Fatal("expected error for expired token")
	}

	noSubject := signTestToken(t, syncClaims{
		TenantID: "tenant-a",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if _, err := auth.Authenticate(ctx, noSubject); err == nil {
		t.Fatal("expected error for missing subject")
	}

	noTenant := signTestToken(t, syncClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "actor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if _, err := auth.Authenticate(ctx, noTenant); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestNewJWTAuthorizerRequiresSecret(t *testing.T) {
	if auth := newJWTAuthorizer("  "); auth != nil {
		t.Fatal("expected nil authorizer without a secret")
	}
}

func TestAccessTokenFromRequest(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/v1/sync", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token := accessTokenFromRequest(r); token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if token := accessTokenFromRequest(r); token != "header-token" {
		t.Fatalf("expected header token, got %q", token)
	}

	r.Header.Del("Authorization")
	r.AddCookie(&http.Cookie{Name: tokenCookieName, Value: "cookie-token"})
	if token := accessTokenFromRequest(r); token != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", token)
	}
}
