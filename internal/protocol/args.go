package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Args are the positional arguments of a request, still encoded.
type Args []json.RawMessage

func (a Args) raw(i int) json.RawMessage {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// String decodes a required string argument.
func (a Args) String(i int, name string) (string, error) {
	raw := a.raw(i)
	if isNull(raw) {
		return "", fmt.Errorf("%w: %s is required", ErrBadArguments, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrBadArguments, name)
	}
	return s, nil
}

// OptString decodes an optional string argument; absent or null reads as "".
func (a Args) OptString(i int, name string) (string, error) {
	if isNull(a.raw(i)) {
		return "", nil
	}
	return a.String(i, name)
}

// Bool decodes an optional boolean argument; absent or null reads as false.
func (a Args) Bool(i int, name string) (bool, error) {
	raw := a.raw(i)
	if isNull(raw) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrBadArguments, name)
	}
	return b, nil
}

// Object decodes argument i into v.
func (a Args) Object(i int, name string, v any) error {
	raw := a.raw(i)
	if isNull(raw) {
		return fmt.Errorf("%w: %s is required", ErrBadArguments, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadArguments, name, err)
	}
	return nil
}

// IsObject reports whether argument i is a JSON object.
func (a Args) IsObject(i int) bool {
	raw := bytes.TrimSpace(a.raw(i))
	return len(raw) > 0 && raw[0] == '{'
}
