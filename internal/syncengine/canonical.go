package syncengine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Canonicalize converts value into canonical JSON: object keys sorted,
// numbers kept as their literal text, no insignificant whitespace. Two values
// are equal for change detection iff their canonical forms are byte-equal.
func Canonicalize(value any) (json.RawMessage, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`null`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidValue)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return json.RawMessage(out), nil
}

func equalCanonical(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}

// isEmptyCollection reports whether a canonical value empties a collection.
func isEmptyCollection(v json.RawMessage) bool {
	s := string(v)
	return s == "" || s == "null" || s == "[]"
}

func hasItems(v json.RawMessage) bool {
	return len(v) > 2 && v[0] == '[' && string(v) != "[]"
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
