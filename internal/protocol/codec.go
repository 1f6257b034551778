package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeRequest parses an inbound command frame.
func DecodeRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Cmd == "" {
		return nil, fmt.Errorf("request missing required field: cmd")
	}
	return &req, nil
}

// DecodeHostEvent parses an inbound browser-shell frame.
func DecodeHostEvent(frame []byte) (*HostEvent, error) {
	var ev HostEvent
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode host event: %w", err)
	}
	switch ev.Event {
	case EventNotificationClicked, EventNotificationClosed:
	case "":
		return nil, fmt.Errorf("host event missing required field: event")
	default:
		return nil, fmt.Errorf("unknown host event: %q", ev.Event)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("host event %q missing notification id", ev.Event)
	}
	return &ev, nil
}

// Encode serializes any outbound frame (Reply, Message, HostOp).
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return b, nil
}

// DecodeData unmarshals a request payload into v. An absent payload leaves v untouched.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
