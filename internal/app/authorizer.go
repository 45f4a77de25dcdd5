package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const tokenCookieName = "dw_token"

var errTokenRequired = errors.New("access token is required")

// identity is the verified caller extracted from an access token. The
// transport stamps it into routing before validation so a caller can never
// claim another actor or tenant.
type identity struct {
	ActorID   string
	ActorType string
	TenantID  string
	Env       string
}

type authorizer interface {
	Authenticate(ctx context.Context, accessToken string) (identity, error)
}

// jwtAuthorizer verifies self-contained HS256 tokens issued by the identity
// collaborator. No network round-trip: the shared secret is enough.
type jwtAuthorizer struct {
	secret []byte
}

type syncClaims struct {
	TenantID  string `json:"tenant_id"`
	Env       string `json:"env"`
	ActorType string `json:"actor_type"`
	jwt.RegisteredClaims
}

func newJWTAuthorizer(secret string) authorizer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &jwtAuthorizer{secret: []byte(secret)}
}

func (a *jwtAuthorizer) Authenticate(_ context.Context, accessToken string) (identity, error) {
	if a == nil || len(a.secret) == 0 {
		return identity{}, errors.New("auth is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return identity{}, errTokenRequired
	}

	var claims syncClaims
	token, err := jwt.ParseWithClaims(accessToken, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return identity{}, err
	}
	if !token.Valid {
		return identity{}, errors.New("invalid access token")
	}

	actorID := strings.TrimSpace(claims.Subject)
	if actorID == "" {
		return identity{}, errors.New("token carries no subject")
	}
	tenantID := strings.TrimSpace(claims.TenantID)
	if tenantID == "" {
		return identity{}, errors.New("token carries no tenant")
	}

	actorType := strings.TrimSpace(claims.ActorType)
	if actorType == "" {
		actorType = "human"
	}
	env := strings.TrimSpace(claims.Env)
	if env == "" {
		env = "prod"
	}

	return identity{
		ActorID:   actorID,
		ActorType: actorType,
		TenantID:  tenantID,
		Env:       env,
	}, nil
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
