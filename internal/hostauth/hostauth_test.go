package hostauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "correct-horse-battery-staple"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestValidTokenAccepted(t *testing.T) {
	a, err := New(Config{Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	info, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, baseClaims()))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info.UserID() != "user-1" {
		t.Fatalf("subject %q", info.UserID())
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := info.Claims(&claims); err != nil || claims.Sub != "user-1" {
		t.Fatalf("claims: %v %+v", err, claims)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret})
	_, err := a.CheckAuthentication(context.Background(), signToken(t, "other-secret", baseClaims()))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret, Leeway: time.Second})
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMissingExpiryRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret})
	claims := baseClaims()
	delete(claims, "exp")
	_, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMissingSubjectRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret})
	claims := baseClaims()
	delete(claims, "sub")
	_, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestIssuerEnforcedWhenConfigured(t *testing.T) {
	a, _ := New(Config{Secret: testSecret, Issuer: "https://issuer.example"})

	claims := baseClaims()
	claims["iss"] = "https://issuer.example"
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims)); err != nil {
		t.Fatalf("matching issuer must pass: %v", err)
	}

	claims["iss"] = "https://rogue.example"
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAudienceEnforcedWhenConfigured(t *testing.T) {
	a, _ := New(Config{Secret: testSecret, ExpectedAudiences: []string{"toolhost"}})

	claims := baseClaims()
	claims["aud"] = "toolhost"
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims)); err != nil {
		t.Fatalf("matching audience must pass: %v", err)
	}

	claims["aud"] = []string{"other", "toolhost"}
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims)); err != nil {
		t.Fatalf("audience list containing a match must pass: %v", err)
	}

	claims["aud"] = "somewhere-else"
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, testSecret, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestUnsignedTokenRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret})
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims())
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.CheckAuthentication(context.Background(), s); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("alg=none must be rejected, got %v", err)
	}
}

func TestEmptyTokenRejected(t *testing.T) {
	a, _ := New(Config{Secret: testSecret})
	if _, err := a.CheckAuthentication(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
