package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign(t *testing.T) {
	body := []byte(`{"event":"message.received"}`)
	sig := Sign("topsecret", 1726000000000, body)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte("1726000000000."))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"message.received"}`)
	sig := Sign("topsecret", 1726000000000, body)

	assert.True(t, VerifySignature("topsecret", 1726000000000, body, sig))
	assert.False(t, VerifySignature("othersecret", 1726000000000, body, sig))
	assert.False(t, VerifySignature("topsecret", 1726000000001, body, sig))
	assert.False(t, VerifySignature("topsecret", 1726000000000, []byte(`tampered`), sig))
}
