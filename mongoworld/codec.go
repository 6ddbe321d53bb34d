package mongoworld

import (
	"encoding/json"

	"github.com/durablekit/world"
)

// Dynamic values (inputs, outputs, execution context, error details) are
// stored as JSON strings inside documents rather than as BSON. That keeps
// their round-trip semantics identical to the other backends, which all speak
// JSON, and sidesteps BSON's treatment of mixed-type arrays.

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", world.Internalf(err, "encode value")
	}
	return string(data), nil
}

// encodeErrorValue encodes an error value, mapping a nil pointer to the empty
// string. A nil *ErrorValue passed through encodeJSON would arrive as a
// non-nil interface and be stored as "null".
func encodeErrorValue(e *world.ErrorValue) (string, error) {
	if e == nil {
		return "", nil
	}
	return encodeJSON(e)
}

func decodeValues(s string) ([]any, error) {
	if s == "" {
		return nil, nil
	}
	var vals []any
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil, world.Internalf(err, "decode values")
	}
	return vals, nil
}

func decodeContext(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, world.Internalf(err, "decode context")
	}
	return m, nil
}

func decodeErrorValue(s string) (*world.ErrorValue, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var ev world.ErrorValue
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return nil, world.Internalf(err, "decode error value")
	}
	return &ev, nil
}
