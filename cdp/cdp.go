// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package cdp implements the wire envelope of the browser debugging
// protocol: a flat JSON object that carries one request, response or
// event over a framed duplex stream.
//
// The envelope is deliberately open. Methods are open-ended strings,
// unknown fields are ignored, and classification depends only on which
// of the recognized fields are present:
//
//   - id present: response (failure when error is present)
//   - id absent, method present: event
//   - id absent, error present: standalone protocol error
//   - otherwise: malformed
//
// Request ids start at 1, so a zero ID means the field was absent.
package cdp

import (
	stdjson "encoding/json"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Message is the wire envelope. Every recognized field is optional; the
// combination present determines the message kind (see [Message.Classify]).
type Message struct {
	// ID is the request id. Present on requests and responses, absent
	// (zero) on events.
	ID int64 `json:"id,omitempty"`
	// Method names the command or event. Present on requests and events.
	Method string `json:"method,omitempty"`
	// Params carries the command or event payload.
	Params stdjson.RawMessage `json:"params,omitempty"`
	// Result carries the payload of a successful response.
	Result stdjson.RawMessage `json:"result,omitempty"`
	// Error is set on a failed response or a standalone protocol error.
	Error *Error `json:"error,omitempty"`
	// SessionID scopes the message to a target attached earlier. Empty
	// for browser-level traffic.
	SessionID string `json:"sessionId,omitempty"`
}

// An Error is the error object the remote endpoint attaches to a failed
// response, or sends on its own when it rejects a message outright.
type Error struct {
	Code    int64              `json:"code"`
	Message string             `json:"message"`
	Data    stdjson.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Kind classifies an inbound envelope.
type Kind int

const (
	// KindMalformed is an envelope with neither id, method nor error.
	KindMalformed Kind = iota
	// KindResponse is a reply to a request (id present).
	KindResponse
	// KindEvent is an unsolicited notification (method, no id).
	KindEvent
	// KindError is a standalone protocol error (error only).
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	default:
		return "malformed"
	}
}

// Classify applies the envelope classification rule.
func (m *Message) Classify() Kind {
	switch {
	case m.ID != 0:
		return KindResponse
	case m.Method != "":
		return KindEvent
	case m.Error != nil:
		return KindError
	default:
		return KindMalformed
	}
}

// Synthetic event methods published locally by the client when an inbound
// message cannot be handled as a response or event. They never appear on
// the wire.
const (
	// MethodDeserializeError carries {"raw": <text>} with the message
	// that failed to decode or classify.
	MethodDeserializeError = "Protocol.deserializeError"
	// MethodProtocolError carries the error object of a standalone
	// protocol error.
	MethodProtocolError = "Protocol.error"
)

// EncodeMessage serializes an envelope to its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses an envelope from its wire form. Unknown fields are
// ignored. A non-object or otherwise unparseable payload returns an error;
// an object missing every recognized field decodes successfully and
// classifies as [KindMalformed].
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}
