package core

import (
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// NewToken produces a random string suitable for use as a challenge token or
// nonce-like identifier: 256 bits of entropy, base64url encoded without
// padding.
func NewToken() string {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		// rand.Read only fails when the OS entropy source is broken, at
		// which point nothing else is trustworthy either.
		panic(fmt.Sprintf("reading random bytes: %s", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewID produces a fresh opaque object identifier.
func NewID() string {
	return uuid.NewString()
}

// Thumbprint computes the hex-encoded SHA-256 thumbprint of a JWK. The
// thumbprint is the account identity: registrations are keyed by it and
// every object carries it as an ownership back reference.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("cannot compute thumbprint of nil key")
	}
	digest, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// SerialToString converts a certificate serial number to an even-length hex
// string.
func SerialToString(serial *big.Int) string {
	s := fmt.Sprintf("%x", serial)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}
