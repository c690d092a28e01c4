package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body against
// the shared webhook secret. An empty secret (dev mode) disables the check.
func verifyWebhookSignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
