package world

import "encoding/json"

// ErrorValue is the structured error recorded on a failed run or step. It
// round-trips through every backing store as {message, stack?, code?}. Some
// stores hold plain strings written by earlier versions; decoding lifts a bare
// string s to ErrorValue{Message: s}.
type ErrorValue struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON accepts either the structured form or a bare string.
func (e *ErrorValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ErrorValue{Message: s}
		return nil
	}
	type alias ErrorValue
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = ErrorValue(v)
	return nil
}

// Clone returns a copy of the error value, or nil when e is nil.
func (e *ErrorValue) Clone() *ErrorValue {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func cloneValues(src []any) []any {
	if src == nil {
		return nil
	}
	dst := make([]any, len(src))
	copy(dst, src)
	return dst
}

func cloneContext(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
