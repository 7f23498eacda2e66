package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestIdentifyResolvesClaims(t *testing.T) {
	p := NewJWTProvider(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{
		"uid":    "user-1",
		"name":   "Alice",
		"avatar": "https://example.com/a.png",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	id, err := p.Identify(token)
	if err != nil {
		t.Fatalf("Identify returned error: %v", err)
	}
	if id.UserID != "user-1" || id.DisplayName != "Alice" || id.PhotoURL != "https://example.com/a.png" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestIdentifyRejectsWrongSecret(t *testing.T) {
	p := NewJWTProvider(testSecret)

	token := signToken(t, "other-secret", jwt.MapClaims{"uid": "user-1"})

	if _, err := p.Identify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIdentifyRejectsExpiredToken(t *testing.T) {
	p := NewJWTProvider(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{
		"uid": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := p.Identify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIdentifyRejectsMissingUID(t *testing.T) {
	p := NewJWTProvider(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{"name": "No UID"})

	if _, err := p.Identify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIdentifyRejectsGarbage(t *testing.T) {
	p := NewJWTProvider(testSecret)

	if _, err := p.Identify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
