package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Reserved wire field names.
const (
	FieldID    = "id"
	FieldError = "error"
)

// Frame is one discrete message exchanged with the worker.
type Frame struct {
	// ID correlates a request with its reply.
	ID string

	// Error is set on replies whose "error" field is truthy.
	Error bool

	// Body holds every field other than id and error.
	Body map[string]any
}

// NewFrame builds an outbound frame from an id and request fields.
func NewFrame(id string, body map[string]any) Frame {
	return Frame{ID: id, Body: body}
}

// wire flattens the frame into the map that goes through the codec.
// Reserved fields always win over same-named body fields.
func (f Frame) wire() map[string]any {
	m := make(map[string]any, len(f.Body)+2)
	for k, v := range f.Body {
		m[k] = v
	}
	m[FieldID] = f.ID
	if f.Error {
		m[FieldError] = true
	} else {
		delete(m, FieldError)
	}
	return m
}

// fromWire splits a decoded map into a Frame.
func fromWire(m map[string]any) (Frame, error) {
	id, ok := NormaliseID(m[FieldID])
	if !ok {
		return Frame{}, ErrMissingID
	}

	body := make(map[string]any, len(m))
	for k, v := range m {
		if k == FieldID {
			continue
		}
		body[k] = v
	}

	errVal, hasErr := m[FieldError]
	f := Frame{ID: id, Body: body}
	if hasErr {
		f.Error = Truthy(errVal)
		if !f.Error {
			// a falsy error field carries no information
			delete(body, FieldError)
		}
	}
	return f, nil
}

// NormaliseID converts a wire identifier to its string form.
//
// The Python worker echoes ids back as strings, so a request sent with a
// numeric id must still match "1" on the way in. Numbers are rendered
// without exponent or trailing zeros.
func NormaliseID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return strconv.FormatInt(n, 10), true
		}
		f, err := id.Float64()
		if err != nil {
			return "", false
		}
		return NormaliseID(f)
	case float64:
		if math.IsNaN(id) || math.IsInf(id, 0) {
			return "", false
		}
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(id), true
	default:
		return "", false
	}
}

// Truthy applies JavaScript truthiness to a decoded value: nil, false, zero,
// NaN and the empty string are false; every other value, including empty
// objects and arrays, is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String() != ""
		}
		return f != 0 && !math.IsNaN(f)
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	default:
		return true
	}
}
