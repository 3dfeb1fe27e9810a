package whatsapp

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"chanlink/internal/core/channel"
	"chanlink/pkg/errors"
)

const maxTextLength = 4096

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

func validatePayload(p channel.MessagePayload) error {
	if !e164.MatchString(p.To) {
		return errors.ErrInvalidPhoneNumber
	}

	switch p.Type {
	case channel.MessageText:
		if p.Text == "" {
			return badPayload("text body is required")
		}
		if utf8.RuneCountInString(p.Text) > maxTextLength {
			return badPayload(fmt.Sprintf("text exceeds %d characters", maxTextLength))
		}
	case channel.MessageTemplate:
		if p.Template == nil || p.Template.Name == "" || p.Template.Language == "" {
			return badPayload("template name and language are required")
		}
	case channel.MessageInteractive:
		if p.Interactive == nil || p.Interactive.Body == "" {
			return badPayload("interactive body is required")
		}
		if p.Interactive.SubType != "button" && p.Interactive.SubType != "list" {
			return badPayload("interactive subType must be button or list")
		}
	case channel.MessageLocation:
		if p.Location == nil {
			return badPayload("location is required")
		}
		if p.Location.Latitude < -90 || p.Location.Latitude > 90 {
			return badPayload("latitude out of range")
		}
		if p.Location.Longitude < -180 || p.Location.Longitude > 180 {
			return badPayload("longitude out of range")
		}
	case channel.MessageImage, channel.MessageVideo, channel.MessageAudio, channel.MessageDocument, channel.MessageSticker:
		if p.MediaURL == "" && p.MediaID == "" {
			return badPayload("media url or media id is required")
		}
	default:
		return badPayload(fmt.Sprintf("unsupported message type %q", p.Type))
	}
	return nil
}

// buildMessageBody maps the generic payload onto the Graph API message
// document.
func buildMessageBody(p channel.MessagePayload) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                p.To,
	}

	switch p.Type {
	case channel.MessageText:
		body["type"] = "text"
		body["text"] = map[string]interface{}{
			"body":        p.Text,
			"preview_url": false,
		}
	case channel.MessageTemplate:
		tpl := map[string]interface{}{
			"name":     p.Template.Name,
			"language": map[string]interface{}{"code": p.Template.Language},
		}
		if len(p.Template.Components) > 0 {
			tpl["components"] = p.Template.Components
		}
		body["type"] = "template"
		body["template"] = tpl
	case channel.MessageInteractive:
		interactive := map[string]interface{}{
			"type": p.Interactive.SubType,
			"body": map[string]interface{}{"text": p.Interactive.Body},
		}
		if p.Interactive.Header != "" {
			interactive["header"] = map[string]interface{}{"type": "text", "text": p.Interactive.Header}
		}
		if p.Interactive.Footer != "" {
			interactive["footer"] = map[string]interface{}{"text": p.Interactive.Footer}
		}
		if p.Interactive.Action != nil {
			interactive["action"] = p.Interactive.Action
		}
		body["type"] = "interactive"
		body["interactive"] = interactive
	case channel.MessageLocation:
		loc := map[string]interface{}{
			"latitude":  p.Location.Latitude,
			"longitude": p.Location.Longitude,
		}
		if p.Location.Name != "" {
			loc["name"] = p.Location.Name
		}
		if p.Location.Address != "" {
			loc["address"] = p.Location.Address
		}
		body["type"] = "location"
		body["location"] = loc
	case channel.MessageImage, channel.MessageVideo, channel.MessageAudio, channel.MessageDocument, channel.MessageSticker:
		media := map[string]interface{}{}
		if p.MediaID != "" {
			media["id"] = p.MediaID
		} else {
			media["link"] = p.MediaURL
		}
		if p.Caption != "" && (p.Type == channel.MessageImage || p.Type == channel.MessageVideo || p.Type == channel.MessageDocument) {
			media["caption"] = p.Caption
		}
		if p.Filename != "" && p.Type == channel.MessageDocument {
			media["filename"] = p.Filename
		}
		body["type"] = string(p.Type)
		body[string(p.Type)] = media
	default:
		return nil, badPayload(fmt.Sprintf("unsupported message type %q", p.Type))
	}
	return body, nil
}

func badPayload(details string) error {
	return errors.NewWithDetails(errors.ErrBadRequest.Code, "Invalid message payload", details)
}
