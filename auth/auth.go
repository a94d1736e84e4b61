// Package auth verifies bearer tokens and carries the authenticated
// subject through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/m4xw311/canvasd/errors"
)

// DefaultAudience is the audience tokens are issued for.
const DefaultAudience = "authenticated"

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewVerifier(secret, audience string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{secret: []byte(secret), audience: audience, now: time.Now}, nil
}

func unauthenticated(format string, a ...interface{}) error {
	return errors.E(errors.Authentication, format, a...)
}

// Verify parses token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", unauthenticated("Missing bearer token")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", errors.WrapKind(errors.Authentication, err, "Invalid token")
	}
	if claims.Subject == "" {
		return "", unauthenticated("Invalid token: missing subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for subject. It backs the CLI and tests; production
// tokens come from the identity provider.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign token")
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header. Browsers
// cannot set headers on websocket upgrades, so the access_token query
// parameter is accepted as well.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

type subjectKey struct{}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// Subject returns the authenticated subject stored in ctx.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// Authenticator resolves the subject of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	return v.Verify(BearerToken(r))
}

// Static authenticates every request as one subject. It serves local
// development, where no identity provider is configured.
type Static string

func (s Static) Authenticate(*http.Request) (string, error) { return string(s), nil }
