// Package signature authenticates inbound payment processor notifications.
//
// Deliveries are signed with HMAC-SHA512 over the exact request body and the
// hex digest is sent in the x-paystack-signature header. Verification must
// run on the raw bytes: re-serializing parsed JSON changes key order and
// whitespace and breaks the digest.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

// HeaderName is the request header carrying the signature.
const HeaderName = "x-paystack-signature"

// Result is the outcome of a signature check.
type Result string

const (
	Valid   Result = "VALID"
	Invalid Result = "INVALID"
	Missing Result = "MISSING"
)

// ErrNoSecret is returned when a secret source has nothing configured.
var ErrNoSecret = errors.New("no webhook secret configured")

// Sign returns the lowercase hex HMAC-SHA512 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against payload for a single secret.
func Verify(payload []byte, header, secret string) Result {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return Missing
	}
	if verifyHMAC(payload, sig, secret) {
		return Valid
	}
	return Invalid
}

func verifyHMAC(payload []byte, sig, secret string) bool {
	if secret == "" {
		return false
	}
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// Verifier checks signatures against the secrets handed out by a SecretSource.
type Verifier struct {
	secrets SecretSource
}

// NewVerifier creates a verifier backed by secrets.
func NewVerifier(secrets SecretSource) *Verifier {
	return &Verifier{secrets: secrets}
}

// Verify accepts the current secret and any previous secret still in rotation.
// An error means the secrets could not be loaded, not that the signature is bad.
func (v *Verifier) Verify(ctx context.Context, payload []byte, header string) (Result, error) {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return Missing, nil
	}

	set, err := v.secrets.Secrets(ctx)
	if err != nil {
		return "", err
	}
	for _, secret := range set.All() {
		if verifyHMAC(payload, sig, secret) {
			return Valid, nil
		}
	}
	return Invalid, nil
}

// Sign signs payload with the current secret, as used when replaying a stored delivery.
func (v *Verifier) Sign(ctx context.Context, payload []byte) (string, error) {
	set, err := v.secrets.Secrets(ctx)
	if err != nil {
		return "", err
	}
	return Sign(payload, set.Current), nil
}
