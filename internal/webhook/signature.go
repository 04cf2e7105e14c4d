package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aimd54/contribution-ledger/internal/apperr"
)

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks that signature is the HMAC-SHA256 of body under secret.
// A "sha256=" prefix is accepted. An empty secret never verifies. Failures
// wrap apperr.ErrAuthentication.
func VerifyHMAC(body []byte, signature, secret string) error {
	if secret == "" {
		return fmt.Errorf("no secret configured: %w", apperr.ErrAuthentication)
	}
	if signature == "" {
		return fmt.Errorf("missing signature: %w", apperr.ErrAuthentication)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", apperr.ErrAuthentication)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return fmt.Errorf("signature mismatch: %w", apperr.ErrAuthentication)
	}
	return nil
}

// VerifyToken compares a shared token in constant time. An empty secret
// never verifies.
func VerifyToken(token, secret string) error {
	if secret == "" {
		return fmt.Errorf("no secret configured: %w", apperr.ErrAuthentication)
	}
	if token == "" {
		return fmt.Errorf("missing token: %w", apperr.ErrAuthentication)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return fmt.Errorf("token mismatch: %w", apperr.ErrAuthentication)
	}
	return nil
}
