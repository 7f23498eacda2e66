// Package identity adapts an external identity provider into the verified
// user identity the relay trusts. The relay never issues or verifies
// credentials itself; it only consumes the claims a provider resolved.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// Identity is the verified profile an identity provider supplies for a
// connecting client.
type Identity struct {
	UserID      string
	DisplayName string
	PhotoURL    string
}

// Provider resolves a bearer token into an Identity.
type Provider interface {
	Identify(token string) (Identity, error)
}

// ErrInvalidToken is returned when a token cannot be resolved to an
// identity. Callers treat it as "no identity", not as a fatal condition.
var ErrInvalidToken = errors.New("identity: invalid token")

// JWTProvider resolves HMAC-signed JWTs whose claims carry the user id and
// display metadata (uid, name, avatar).
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider returns a provider verifying tokens against secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

// Identify parses and verifies token, returning the identity carried in its
// claims. Expired tokens and tokens signed with any non-HMAC method are
// rejected.
func (p *JWTProvider) Identify(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	if exp, ok := claims["exp"].(float64); ok && int64(exp) < time.Now().Unix() {
		return Identity{}, ErrInvalidToken
	}

	uid, _ := claims["uid"].(string)
	if uid == "" {
		return Identity{}, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	avatar, _ := claims["avatar"].(string)

	return Identity{UserID: uid, DisplayName: name, PhotoURL: avatar}, nil
}
