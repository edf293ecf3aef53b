// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"encoding/json"
	"fmt"
)

// Wire event types.
const (
	TypeAnnounce      = "module:announce"
	TypeAuthenticated = "module:authenticated"
	TypeContextUpdate = "context:update"
	TypeConfigure     = "ui:configure"
	TypeError         = "error"
)

// DefaultURL is the channel server address used when none is configured.
const DefaultURL = "ws://localhost:6121/ws"

// DefaultName identifies this module to the channel server.
const DefaultName = "rigrun:stage"

// DefaultPossibleEvents are the event types this module consumes.
var DefaultPossibleEvents = []string{TypeConfigure, TypeContextUpdate}

// Event is one websocket frame: {"type": ..., "data": ...}.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	if data == nil {
		return Event{Type: eventType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return &Error{Type: ErrTypeProtocol, Op: "decode", Message: e.Type + " has no data"}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &Error{Type: ErrTypeProtocol, Op: "decode", Message: e.Type, Cause: err}
	}
	return nil
}

// Announce is the payload of module:announce.
type Announce struct {
	Name           string   `json:"name"`
	Token          string   `json:"token,omitempty"`
	PossibleEvents []string `json:"possibleEvents,omitempty"`
}

// Authenticated is the payload of module:authenticated.
type Authenticated struct {
	Authenticated bool `json:"authenticated"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
