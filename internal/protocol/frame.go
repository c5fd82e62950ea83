// Package protocol defines the JSON messages exchanged over a control plane
// socket and decodes them into closed sets of events and stack operations.
//
// Every websocket text message is one Frame:
//
//	request  {"id":7,"event":"login","args":["admin","secret"]}
//	ack      {"ack":7,"data":{"ok":true,"token":"..."}}
//	push     {"event":"stackLog","args":[{"stack":"web","line":"..."}]}
//
// A request without an id expects no acknowledgement.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	ID    uint64            `json:"id,omitempty"`
	Ack   uint64            `json:"ack,omitempty"`
	Event string            `json:"event,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// IsAck reports whether the frame answers an earlier request.
func (f Frame) IsAck() bool { return f.Ack != 0 }

// DecodeFrame parses one message.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Ack == 0 && f.Event == "" {
		return Frame{}, fmt.Errorf("%w: neither event nor ack", ErrBadFrame)
	}
	return f, nil
}

// EncodeRequest builds a request frame. id 0 asks for no acknowledgement.
func EncodeRequest(id uint64, event string, args ...any) ([]byte, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{ID: id, Event: event, Args: raw})
}

// EncodePush builds a server-initiated event frame.
func EncodePush(event string, args ...any) ([]byte, error) {
	return EncodeRequest(0, event, args...)
}

// EncodeAck builds the acknowledgement frame for request id.
func EncodeAck(id uint64, ack Ack) ([]byte, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Ack: id, Data: data})
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal arg %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
