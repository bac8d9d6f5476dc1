// Package relay defines the JSON frame types exchanged with clients and the
// sanitization helpers applied to message bodies before routing.
package relay

import (
	"encoding/json"
	"html"
	"strings"
	"time"
)

// Inbound frame types. A frame without a type field is classified as a
// plain message.
const (
	FrameMessage = "message"
	FramePing    = "ping"
)

// Outbound frame types.
const (
	FramePong           = "pong"
	FrameError          = "error"
	FrameJoin           = "join"
	FrameLeave          = "leave"
	FramePublicMessage  = "public_message"
	FramePrivateRequest = "private_request"
	FramePrivateMessage = "private_message"
)

// Error messages surfaced to senders. Routing and rate-limit failures are
// reported to the offending sender only; the session stays active.
const (
	errTooFastPublic      = "You're sending messages too quickly."
	errTooFastPrivate     = "You're sending too quickly."
	errTargetNotInPrivate = "Target not in private chat."
)

// InboundFrame is the shape of every client-to-server frame. Type is
// optional and defaults to "message"; Text carries the message body.
type InboundFrame struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// Kind returns the effective frame type, applying the documented default
// for frames that omit the type field.
func (f InboundFrame) Kind() string {
	if f.Type == "" {
		return FrameMessage
	}
	return f.Type
}

// PongFrame answers a ping with the server's current timestamp.
type PongFrame struct {
	Type string  `json:"type"`
	TS   float64 `json:"ts"`
}

// ErrorFrame reports a recoverable, sender-scoped failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PresenceFrame announces a device joining or leaving the public room,
// together with the updated online set.
type PresenceFrame struct {
	Type     string   `json:"type"`
	DeviceID string   `json:"device_id"`
	Online   []string `json:"online"`
}

// PublicMessageFrame is the envelope broadcast to every registered device.
type PublicMessageFrame struct {
	Type string  `json:"type"`
	From string  `json:"from"`
	Text string  `json:"text"`
	TS   float64 `json:"ts"`
}

// PrivateRequestFrame notifies a device that another device opened a
// private session toward it.
type PrivateRequestFrame struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// PrivateMessageFrame is the envelope delivered over a resolved private
// pairing.
type PrivateMessageFrame struct {
	Type string  `json:"type"`
	From string  `json:"from"`
	To   string  `json:"to"`
	Text string  `json:"text"`
	TS   float64 `json:"ts"`
}

// decodeFrame parses an inbound frame. A parse failure is a protocol
// violation and terminates the session.
func decodeFrame(raw []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return InboundFrame{}, err
	}
	return frame, nil
}

// mustEncode marshals an outbound frame. The frame types above contain only
// strings and numbers, so marshaling cannot fail at runtime.
func mustEncode(frame any) []byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return payload
}

// sanitizeText HTML-escapes a message body and truncates it to maxLen
// runes. Escaping runs first, so the limit applies to the escaped form.
func sanitizeText(text string, maxLen int) string {
	escaped := html.EscapeString(strings.ToValidUTF8(text, ""))
	runes := []rune(escaped)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return escaped
}

// unixNow returns the current time as fractional Unix seconds, the
// timestamp representation used on the wire.
func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
