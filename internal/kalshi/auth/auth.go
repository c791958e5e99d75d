// Package auth signs Kalshi requests with RSA-PSS.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderKey       = "KALSHI-ACCESS-KEY"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"

	// WebSocketPath is the path signed when dialing the streaming API.
	WebSocketPath = "/trade-api/ws/v2"
)

// Signer produces the access headers for one API key.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

func NewSigner(keyID string, key *rsa.PrivateKey) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("API key ID is required")
	}
	if key == nil {
		return nil, errors.New("private key is required")
	}
	return &Signer{keyID: keyID, key: key, now: time.Now}, nil
}

// Headers signs timestamp_ms + method + path.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	hashed := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	h := http.Header{}
	h.Set(HeaderKey, s.keyID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// WebSocketHeaders signs a fresh dial of the streaming API. Signatures are
// time-stamped, so a new set is needed for every reconnect.
func (s *Signer) WebSocketHeaders() (http.Header, error) {
	return s.Headers(http.MethodGet, WebSocketPath)
}
