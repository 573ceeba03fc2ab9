package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const recoveryTTL = 15 * time.Minute

// TokenIssuer signs and verifies the local provider's access tokens.
type TokenIssuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	Subject string
	Email   string
	Version int64
	Expires time.Time
}

func NewTokenIssuer(issuer, audience string, ttl time.Duration) (*TokenIssuer, error) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	// kid is base64 of the SHA256 of the modulus
	h := sha256.Sum256(k.PublicKey.N.Bytes())
	kid := base64.RawURLEncoding.EncodeToString(h[:8])
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{key: k, kid: kid, issuer: issuer, audience: audience, ttl: ttl, now: time.Now}, nil
}

// JWKS returns a minimal JWKS containing the public key.
func (t *TokenIssuer) JWKS() map[string]any {
	pub := t.key.PublicKey
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	// encode exponent using big.Int to get minimal big-endian bytes
	e := base64.RawURLEncoding.EncodeToString(new(big.Int).SetInt64(int64(pub.E)).Bytes())
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": t.kid,
		"n":   n,
		"e":   e,
	}
	return map[string]any{"keys": []any{jwk}}
}

func (t *TokenIssuer) Issuer() string { return t.issuer }

// Issue creates an access token for the principal.
func (t *TokenIssuer) Issue(sub, email string, version int64) (string, time.Time, error) {
	return t.sign(jwt.MapClaims{"email": email, "v": version}, sub, "access", t.ttl)
}

// IssueRecovery creates a short-lived password recovery token. It carries the
// principal's version, so any password change voids it.
func (t *TokenIssuer) IssueRecovery(sub, email string, version int64) (string, time.Time, error) {
	return t.sign(jwt.MapClaims{"email": email, "v": version}, sub, "recovery", recoveryTTL)
}

func (t *TokenIssuer) sign(claims jwt.MapClaims, sub, typ string, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(ttl)
	claims["iss"] = t.issuer
	claims["sub"] = sub
	claims["aud"] = t.audience
	claims["iat"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["typ"] = typ
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = t.kid
	signed, err := tok.SignedString(t.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, time.Unix(exp.Unix(), 0), nil
}

// Verify parses an access token issued by this issuer.
func (t *TokenIssuer) Verify(token string) (*AccessClaims, error) {
	return t.parse(token, "access")
}

// VerifyRecovery parses a recovery token issued by this issuer.
func (t *TokenIssuer) VerifyRecovery(token string) (*AccessClaims, error) {
	return t.parse(token, "recovery")
}

func (t *TokenIssuer) parse(token, want string) (*AccessClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tk *jwt.Token) (any, error) {
		return &t.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if typ, _ := claims["typ"].(string); typ != want {
		return nil, fmt.Errorf("unexpected token type %q", typ)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no subject")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("token has no expiry")
	}
	out := &AccessClaims{Subject: sub, Expires: exp.Time}
	out.Email, _ = claims["email"].(string)
	if v, ok := claims["v"].(float64); ok {
		out.Version = int64(v)
	}
	return out, nil
}
