package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer holds the API credentials. Keys are kept as []byte so Wipe can
// clear them; neither key is ever formatted or logged.
type Signer struct {
	apiKey    []byte
	secretKey []byte
}

func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{apiKey: []byte(apiKey), secretKey: []byte(secretKey)}
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Configured reports whether both keys are present.
func (s *Signer) Configured() bool {
	return s != nil && len(s.apiKey) > 0 && len(s.secretKey) > 0
}

func (s *Signer) header() string { return string(s.apiKey) }

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.apiKey {
		s.apiKey[i] = 0
	}
	for i := range s.secretKey {
		s.secretKey[i] = 0
	}
}

func (s *Signer) String() string { return "Signer{redacted}" }

func (s *Signer) GoString() string { return s.String() }
