package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes the body of one record.
type Codec interface {
	Name() string
	Marshal(m map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// Codec names accepted by NewCodec.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// JSONCodec encodes records as single-line JSON objects.
// Numbers are decoded as json.Number so identifiers keep their exact form.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return EncodingJSON }

// Marshal implements Codec. encoding/json escapes control characters, so the
// output never contains a raw newline.
func (JSONCodec) Marshal(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after object")
	}
	return m, nil
}

// CBORCodec encodes records as CBOR maps. Nested maps decode as
// map[string]any so bodies look the same as with JSONCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBORCodec with canonical encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec.
func (*CBORCodec) Name() string { return EncodingCBOR }

// Marshal implements Codec.
func (c *CBORCodec) Marshal(m map[string]any) ([]byte, error) {
	return c.enc.Marshal(m)
}

// Unmarshal implements Codec.
func (c *CBORCodec) Unmarshal(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("record is not a map")
	}
	return m, nil
}

// NewCodec resolves a framing/encoding pair by name.
//
// Empty names select stream framing and JSON. maxSize bounds a single record
// in bytes; zero selects DefaultMaxRecordSize.
func NewCodec(framing, encoding string, maxSize int) (Framer, Codec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}

	var framer Framer
	switch strings.ToLower(framing) {
	case "", FramingStream:
		framer = StreamFramer{MaxSize: maxSize}
	case FramingLine:
		framer = LineFramer{MaxSize: maxSize}
	case FramingLength:
		framer = LengthFramer{MaxSize: maxSize}
	default:
		return nil, nil, fmt.Errorf("%w: framing %q", ErrUnsupportedCodec, framing)
	}

	var codec Codec
	switch strings.ToLower(encoding) {
	case "", EncodingJSON:
		codec = JSONCodec{}
	case EncodingCBOR:
		if _, ok := framer.(LengthFramer); !ok {
			return nil, nil, fmt.Errorf("%w: cbor requires length framing", ErrUnsupportedCodec)
		}
		c, err := NewCBORCodec()
		if err != nil {
			return nil, nil, err
		}
		codec = c
	default:
		return nil, nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedCodec, encoding)
	}

	return framer, codec, nil
}
