package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// ParsePrivateKey parses a PEM-encoded RSA or ECDSA private key.
// s may be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}
		return signer, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// ParsePublicKey parses a PEM-encoded RSA or ECDSA public key.
// s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns "RS256" for RSA and "ES256" for ECDSA P-256; empty otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return "ES256"
		}
		return ""
	default:
		return ""
	}
}

// LoadKeyPair parses the configured signing key pair. When both are empty an
// ephemeral P-256 key is generated; tokens it signs do not survive a restart.
func LoadKeyPair(privatePEM, publicPEM string) (signer crypto.Signer, pub crypto.PublicKey, ephemeral bool, err error) {
	if strings.TrimSpace(privatePEM) == "" && strings.TrimSpace(publicPEM) == "" {
		key, err := GenerateSigningKey()
		if err != nil {
			return nil, nil, false, err
		}
		return key, key.Public(), true, nil
	}
	signer, err = ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, nil, false, err
	}
	if strings.TrimSpace(publicPEM) == "" {
		pub = signer.Public()
	} else if pub, err = ParsePublicKey(publicPEM); err != nil {
		return nil, nil, false, err
	}
	if KeyAlg(pub) == "" {
		return nil, nil, false, ErrInvalidKey
	}
	return signer, pub, false, nil
}

// GenerateSigningKey returns a fresh ECDSA P-256 key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
