package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired or
	// issued for another issuer or audience.
	ErrInvalidToken = errors.New("invalid token")
)

// AccessClaims holds JWT claims for a host access token. Subject is the
// host ID.
type AccessClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// TokenIssuer issues and verifies host access tokens using RS256 or ES256.
// Verification is pure: it never touches the store.
type TokenIssuer struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenIssuer returns a TokenIssuer that signs with privateKey and
// verifies with publicKey.
func NewTokenIssuer(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock replaces the issuer's time source.
func (p *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	p.now = now
	return p
}

// Issue mints an access token bound to hostID and tenantID.
func (p *TokenIssuer) Issue(hostID, tenantID string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   hostID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: tenantID,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

func (p *TokenIssuer) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// Verify checks signature, issuer, audience and expiry and returns the
// host and tenant the token was issued for.
func (p *TokenIssuer) Verify(tokenString string) (hostID, tenantID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{KeyAlg(p.publicKey)}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.TenantID, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
