package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Signer produces kraken-family API signatures:
// base64(HMAC-SHA512(path || SHA256(nonce || body), decoded secret)).
// Keys are kept as []byte so they can be wiped after use.
type Signer struct {
	apiKey []byte
	secret []byte
}

// NewSigner decodes the base64 secret and builds a signer.
func NewSigner(apiKey, secretB64 string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return &Signer{apiKey: []byte(apiKey), secret: secret}, nil
}

// APIKey returns the key sent in the API-Key header.
func (s *Signer) APIKey() string { return string(s.apiKey) }

// Sign signs a request. nonce must already be embedded in body as the
// "nonce" form field.
func (s *Signer) Sign(path string, nonce uint64, body string) string {
	inner := sha256.Sum256([]byte(fmt.Sprintf("%d%s", nonce, body)))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Wipe clears key material from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.apiKey {
		s.apiKey[i] = 0
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
}
