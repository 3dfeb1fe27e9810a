package channel

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"chanlink/pkg/errors"
)

var validate = validator.New()

// Configuration is the typed credential bag a provider needs to reach its
// upstream API. Each channel type declares its own concrete shape and
// rejects bad input at creation time instead of at first use.
type Configuration interface {
	ChannelType() Type
	Validate() error
}

// WhatsAppCloudConfig carries Meta Graph API credentials for one phone
// number.
type WhatsAppCloudConfig struct {
	AccessToken        string `json:"accessToken" validate:"required"`
	PhoneNumberID      string `json:"phoneNumberId" validate:"required"`
	BusinessAccountID  string `json:"businessAccountId,omitempty"`
	WebhookVerifyToken string `json:"webhookVerifyToken,omitempty"`
	AppSecret          string `json:"appSecret,omitempty"`
	APIVersion         string `json:"apiVersion,omitempty"`
}

func (c *WhatsAppCloudConfig) ChannelType() Type {
	return TypeWhatsAppCloud
}

func (c *WhatsAppCloudConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.NewWithDetails(errors.ErrInvalidConfiguration.Code, errors.ErrInvalidConfiguration.Message, err.Error())
	}
	return nil
}

// DecodeWhatsAppCloudConfig parses a raw configuration document without
// validating it. Callers validate after any merge.
func DecodeWhatsAppCloudConfig(raw json.RawMessage) (Configuration, error) {
	cfg := &WhatsAppCloudConfig{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decoding whatsapp cloud configuration: %w", err)
		}
	}
	return cfg, nil
}

// MergeConfiguration applies a JSON merge patch on top of an existing
// configuration and returns the merged copy. Fields absent from the patch
// keep their current values.
func MergeConfiguration(current Configuration, patch json.RawMessage, decode func(json.RawMessage) (Configuration, error)) (Configuration, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encoding current configuration: %w", err)
	}

	merged, err := decode(raw)
	if err != nil {
		return nil, err
	}

	if len(patch) > 0 {
		if err := json.Unmarshal(patch, merged); err != nil {
			return nil, fmt.Errorf("applying configuration patch: %w", err)
		}
	}
	return merged, nil
}
