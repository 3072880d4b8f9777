package kanban

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyWebhookSignature checks a GitHub webhook payload against the
// X-Hub-Signature-256 header value ("sha256=<hex>"). Comparison is
// constant-time. An empty secret rejects everything.
func VerifyWebhookSignature(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
