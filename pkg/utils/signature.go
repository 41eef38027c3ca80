package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// GetMessageDigestOrSignature returns the hex HMAC-SHA256 of the message.
// Webhook receivers verify it from the X-Hub-Signature-256 header.
func GetMessageDigestOrSignature(message, key []byte) (string, error) {
	mac := hmac.New(sha256.New, key)
	if _, err := mac.Write(message); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
