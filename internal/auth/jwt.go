// Package auth provides auth_fn implementations for both the
// reconnecting client (which must produce a login object) and the
// hub (which must verify one), per the pluggable auth_fn seam.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tnumfive/termmux/internal/packet"
)

// Claims carries the login subject as the JWT subject; no roles or
// scopes are modeled since the hub only needs to confirm the bearer
// is entitled to log in as uid.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer mints bearer tokens for the client side of the auth_fn seam.
type Issuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

func (i *Issuer) ttl() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	return 5 * time.Minute
}

// LoginObject mints a signed token for uid and returns it in the
// shape embedded as login content: {"token": "..."}. Suitable as an
// rtclient.AuthFunc when bound with a fixed Issuer.
func (i *Issuer) LoginObject(uid string) (any, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    i.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl())),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return map[string]string{"token": signed}, nil
}

// Verifier checks bearer tokens on the hub side, by the same shared
// secret an Issuer uses.
type Verifier struct {
	Secret []byte
}

// VerifyLogin is shaped as a hub.AuthFunc: it decodes the login
// packet's content as {"token": "..."}, parses and validates the JWT,
// and requires the token's subject match the connecting uid.
func (v *Verifier) VerifyLogin(login packet.Packet) (bool, string) {
	var body struct {
		Token string `json:"token"`
	}
	if err := unmarshalLoginContent(login.Content, &body); err != nil {
		return false, "malformed login content"
	}
	if body.Token == "" {
		return false, "missing token"
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(body.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return false, "token expired"
		}
		return false, "invalid token"
	}
	if !parsed.Valid {
		return false, "invalid token"
	}
	if claims.Subject != login.Source {
		return false, "token subject mismatch"
	}
	return true, ""
}

func unmarshalLoginContent(content string, v any) error {
	return json.Unmarshal([]byte(content), v)
}
