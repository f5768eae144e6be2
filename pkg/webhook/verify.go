package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Delivery header names, as sent by the forge.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

var (
	ErrNoSecret     = errors.New("webhook secret not configured")
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// VerifySignature checks the HMAC-SHA256 signature header against the exact
// raw request bytes. Fails closed: an empty secret rejects everything.
func VerifySignature(secret string, rawBody []byte, signatureHeader string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrNoSecret
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256=")
	provided, err := hex.DecodeString(sigHex)
	if err != nil || len(provided) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the signature header value for a payload; used by tests and
// by the replay tooling.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
