package transport

import (
	"encoding/json"
	"fmt"
)

// Invocation is an inbound client frame: a method name plus positional
// arguments. Arguments stay raw until a handler decodes them, so a single
// malformed argument fails only its own invocation.
type Invocation struct {
	Method string `json:"method"`
	Args   Args   `json:"args"`
}

// Event is an outbound server frame: an event name plus positional
// arguments.
type Event struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// EncodeEvent marshals a server event once. Broadcast paths encode a frame
// with EncodeEvent and hand the bytes to each recipient via SendRaw.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(Event{Name: name, Args: args})
}

// MustEncodeEvent is EncodeEvent for payloads built entirely from our own
// DTOs, where a marshal failure is a programming error.
func MustEncodeEvent(name string, args ...any) []byte {
	data, err := EncodeEvent(name, args...)
	if err != nil {
		panic(fmt.Sprintf("transport: failed to encode event %s: %v", name, err))
	}
	return data
}

// Args is the positional argument list of an invocation.
type Args []json.RawMessage

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// OptionalString decodes argument i as a string, returning def when the
// argument is absent or null.
func (a Args) OptionalString(i int, def string) string {
	if i < 0 || i >= len(a) || string(a[i]) == "null" {
		return def
	}
	var s string
	if err := json.Unmarshal(a[i], &s); err != nil {
		return def
	}
	return s
}

// Bool decodes argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	var b bool
	err := a.Decode(i, &b)
	return b, err
}

// Int decodes argument i as an int.
func (a Args) Int(i int) (int, error) {
	var n int
	err := a.Decode(i, &n)
	return n, err
}

// Float decodes argument i as a float64.
func (a Args) Float(i int) (float64, error) {
	var f float64
	err := a.Decode(i, &f)
	return f, err
}

// Bytes decodes argument i as a binary payload. JSON carries byte slices as
// base64 strings, which encoding/json handles natively for []byte.
func (a Args) Bytes(i int) ([]byte, error) {
	var b []byte
	err := a.Decode(i, &b)
	return b, err
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }
