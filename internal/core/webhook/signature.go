package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the hex HMAC-SHA256 of "{timestampMs}.{body}". The
// timestamp prefix ties the signature to the X-Webhook-Timestamp header so
// receivers can reject replays.
func Sign(secret string, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestampMs)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret string, timestampMs int64, body []byte, signature string) bool {
	expected := Sign(secret, timestampMs, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
