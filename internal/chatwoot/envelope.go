// Package chatwoot adapts the chat platform's webhook payloads and API to
// the shapes the processor core consumes. The platform sends three payload
// layouts depending on webhook configuration; ParseWebhook collapses all of
// them into one Envelope.
package chatwoot

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MessageType classifies an inbound payload.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageActivity MessageType = "activity"
)

// Contact carries whatever contact details the platform included.
// All fields are optional.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Envelope is the normalised webhook payload. Once ConversationID is empty
// the envelope is terminally invalid and must not travel further.
type Envelope struct {
	Event          string      `json:"event,omitempty"`
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	AccountID      string      `json:"account_id,omitempty"`
	InboxID        string      `json:"inbox_id,omitempty"`
	InboxName      string      `json:"inbox_name,omitempty"`
	MessageType    MessageType `json:"message_type"`
	IsPrivate      bool        `json:"is_private"`
	MessageText    string      `json:"message_text"`
	Contact        Contact     `json:"contact"`
}

// Valid reports whether the envelope can be routed downstream.
func (e *Envelope) Valid() bool {
	return e != nil && e.ConversationID != ""
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes markup and entities from platform message content.
func StripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// ParseWebhook normalises any of the observed wire shapes:
//
//  1. payload at the root
//  2. payload under "message"
//  3. payload under "data.message"
//
// The account-global webhook shape is detected by "content" and "id" both
// present at the root.
func ParseWebhook(raw []byte) (*Envelope, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	payload := root
	if m, ok := root["message"].(map[string]interface{}); ok {
		payload = merged(root, m)
	} else if d, ok := root["data"].(map[string]interface{}); ok {
		if m, ok := d["message"].(map[string]interface{}); ok {
			payload = merged(root, m)
		}
	}
	// Global-webhook shape: message fields already at the root.
	if _, hasContent := root["content"]; hasContent {
		if _, hasID := root["id"]; hasID {
			payload = root
		}
	}

	env := &Envelope{
		Event:       str(payload["event"]),
		MessageID:   str(payload["id"]),
		MessageType: mapMessageType(payload["message_type"]),
		IsPrivate:   boolean(payload["private"]),
		MessageText: StripHTML(str(payload["content"])),
	}
	if env.Event == "" {
		env.Event = str(root["event"])
	}

	if conv, ok := payload["conversation"].(map[string]interface{}); ok {
		env.ConversationID = str(conv["id"])
	}
	if env.ConversationID == "" {
		env.ConversationID = str(payload["conversation_id"])
	}
	if acct, ok := payload["account"].(map[string]interface{}); ok {
		env.AccountID = str(acct["id"])
	}
	if inbox, ok := payload["inbox"].(map[string]interface{}); ok {
		env.InboxID = str(inbox["id"])
		env.InboxName = str(inbox["name"])
	}
	if sender, ok := payload["sender"].(map[string]interface{}); ok {
		env.Contact = Contact{
			Name:  str(sender["name"]),
			Phone: str(sender["phone_number"]),
			Email: str(sender["email"]),
		}
	}

	return env, nil
}

// merged overlays the message body on the root so that envelope-level fields
// (event, account) remain reachable from one map.
func merged(root, msg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(root)+len(msg))
	for k, v := range root {
		out[k] = v
	}
	for k, v := range msg {
		out[k] = v
	}
	return out
}

// mapMessageType translates the platform's mixed int/string encoding.
// 1 and "outgoing" mark outgoing messages; 2 and "activity" mark activity.
func mapMessageType(v interface{}) MessageType {
	switch t := v.(type) {
	case float64:
		switch int(t) {
		case 1:
			return MessageOutgoing
		case 2:
			return MessageActivity
		}
		return MessageIncoming
	case string:
		switch strings.ToLower(t) {
		case "outgoing", "1":
			return MessageOutgoing
		case "activity", "template", "2":
			return MessageActivity
		}
		return MessageIncoming
	default:
		return MessageIncoming
	}
}

func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func boolean(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
