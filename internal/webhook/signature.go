// Package webhook delivers signed change events to project webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the GitHub style signature of the body.
	SignatureHeader = "X-Hub-Signature"

	// KernelSignatureHeader repeats the signature under the product's own name.
	KernelSignatureHeader = "X-TaigaLike-Webhook-Signature"

	// DeliveryHeader identifies a delivery across its retries.
	DeliveryHeader = "X-TaigaLike-Delivery"

	signaturePrefix = "sha1="
)

// Sign returns "sha1=" followed by the hex HMAC-SHA1 of body keyed by key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(body []byte, key, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(body, key)), []byte(signature))
}
