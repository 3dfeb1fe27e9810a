package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhatsAppCloudConfigValidate(t *testing.T) {
	cfg := &WhatsAppCloudConfig{
		AccessToken:   "token-1",
		PhoneNumberID: "5550001",
	}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&WhatsAppCloudConfig{PhoneNumberID: "5550001"}).Validate())
	assert.Error(t, (&WhatsAppCloudConfig{AccessToken: "token-1"}).Validate())
}

func TestDecodeWhatsAppCloudConfig(t *testing.T) {
	cfg, err := DecodeWhatsAppCloudConfig(json.RawMessage(`{
		"accessToken": "token-1",
		"phoneNumberId": "5550001",
		"apiVersion": "v19.0"
	}`))
	require.NoError(t, err)

	wa, ok := cfg.(*WhatsAppCloudConfig)
	require.True(t, ok)
	assert.Equal(t, "token-1", wa.AccessToken)
	assert.Equal(t, "5550001", wa.PhoneNumberID)
	assert.Equal(t, "v19.0", wa.APIVersion)
	assert.Equal(t, TypeWhatsAppCloud, wa.ChannelType())

	_, err = DecodeWhatsAppCloudConfig(json.RawMessage(`{not json`))
	assert.Error(t, err)

	// Decoding never validates; an empty document is a decision for the caller.
	empty, err := DecodeWhatsAppCloudConfig(nil)
	require.NoError(t, err)
	assert.Error(t, empty.Validate())
}

func TestMergeConfiguration(t *testing.T) {
	current := &WhatsAppCloudConfig{
		AccessToken:        "token-1",
		PhoneNumberID:      "5550001",
		WebhookVerifyToken: "verify-me",
	}

	t.Run("patched fields replace, absent fields survive", func(t *testing.T) {
		merged, err := MergeConfiguration(current, json.RawMessage(`{"accessToken":"token-2"}`), DecodeWhatsAppCloudConfig)
		require.NoError(t, err)

		wa := merged.(*WhatsAppCloudConfig)
		assert.Equal(t, "token-2", wa.AccessToken)
		assert.Equal(t, "5550001", wa.PhoneNumberID)
		assert.Equal(t, "verify-me", wa.WebhookVerifyToken)

		// The original is untouched.
		assert.Equal(t, "token-1", current.AccessToken)
	})

	t.Run("empty patch copies the current configuration", func(t *testing.T) {
		merged, err := MergeConfiguration(current, nil, DecodeWhatsAppCloudConfig)
		require.NoError(t, err)
		assert.Equal(t, current, merged)
	})

	t.Run("malformed patch fails", func(t *testing.T) {
		_, err := MergeConfiguration(current, json.RawMessage(`{`), DecodeWhatsAppCloudConfig)
		assert.Error(t, err)
	})
}
