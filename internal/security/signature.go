package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// CanonicalString builds the string a host signs for one request:
// timestamp, nonce and the hex SHA-256 of the uncompressed body, joined by
// newlines.
func CanonicalString(timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return timestamp + "\n" + nonce + "\n" + hex.EncodeToString(sum[:])
}

// Sign returns the hex HMAC-SHA-256 of the canonical string keyed with the
// host's signing secret.
func Sign(signingSecret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(CanonicalString(timestamp, nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the valid hex HMAC for the
// request. The comparison is constant time.
func VerifySignature(signingSecret, timestamp, nonce string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(CanonicalString(timestamp, nonce, body)))
	return hmac.Equal(got, mac.Sum(nil))
}
