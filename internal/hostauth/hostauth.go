// Package hostauth validates bearer tokens presented to the HTTP transports.
// Authentication is optional: transports without an Authenticator accept
// every request. Validation uses a statically configured shared secret; the
// runtime does not speak OAuth discovery.
package hostauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
)

// ErrUnauthorized indicates the token failed validation and the request must
// be treated as unauthenticated.
var ErrUnauthorized = errors.New("hostauth: unauthorized")

// UserInfo exposes the validated token's subject and raw claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens. Implementations must perform
// signature, issuer, audience, and time validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Config controls validation of shared-secret JWT bearer tokens.
type Config struct {
	// Secret signs and verifies tokens. ENV: TOOLHOST_AUTH_SECRET
	Secret string `env:"TOOLHOST_AUTH_SECRET"`
	// Issuer, when set, must match the token's iss claim.
	// ENV: TOOLHOST_AUTH_ISSUER
	Issuer string `env:"TOOLHOST_AUTH_ISSUER"`
	// ExpectedAudiences lists accepted aud values; empty skips the check.
	// ENV: TOOLHOST_AUTH_AUDIENCES (comma separated)
	ExpectedAudiences []string `env:"TOOLHOST_AUTH_AUDIENCES"`
	// Leeway absorbs clock skew on time claims.
	// ENV: TOOLHOST_AUTH_LEEWAY
	Leeway time.Duration `env:"TOOLHOST_AUTH_LEEWAY,default=60s"`
}

type staticAuthenticator struct {
	cfg Config
	key []byte
}

var _ Authenticator = (*staticAuthenticator)(nil)

// New constructs an authenticator validating HS256 tokens against a shared
// secret.
func New(cfg Config) (Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &staticAuthenticator{cfg: cfg, key: []byte(cfg.Secret)}, nil
}

// NewFromEnv builds an authenticator with Config populated from the
// environment. Returns (nil, nil) when no secret is configured, which callers
// treat as auth disabled.
func NewFromEnv() (Authenticator, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if cfg.Secret == "" {
		return nil, nil
	}
	return New(cfg)
}

func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	parsed, err := parser.Parse(tok, func(t *jwt.Token) (any, error) { return a.key, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(a.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):]), true
	}
	return "", false
}
