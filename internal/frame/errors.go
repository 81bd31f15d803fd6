package frame

import (
	"errors"
	"fmt"
)

// Sentinel errors for the framed transport.
var (
	// ErrDecode marks a single inbound record that could not be decoded.
	// It is never terminal: the transport continues with the next record.
	ErrDecode = errors.New("frame: decode failed")

	// ErrEncode is returned when an outbound frame cannot be encoded.
	ErrEncode = errors.New("frame: encode failed")

	// ErrFrameTooLarge is returned when a record exceeds the configured size limit.
	// On a length-framed stream this is terminal (the stream cannot resynchronise).
	ErrFrameTooLarge = errors.New("frame: record too large")

	// ErrMissingID is returned when an inbound record has no usable identifier.
	ErrMissingID = errors.New("frame: missing id")

	// ErrUnsupportedCodec is returned for unknown framing/encoding names,
	// or for combinations that cannot work (cbor over stream or line framing).
	ErrUnsupportedCodec = errors.New("frame: unsupported codec")
)

// maxRecordExcerpt bounds how much of a bad record is kept on a DecodeError.
const maxRecordExcerpt = 128

// DecodeError reports one record that failed to decode.
type DecodeError struct {
	// Record holds (a prefix of) the raw record, for diagnostics.
	Record []byte
	Err    error
}

func newDecodeError(record []byte, err error) *DecodeError {
	excerpt := record
	if len(excerpt) > maxRecordExcerpt {
		excerpt = excerpt[:maxRecordExcerpt]
	}
	return &DecodeError{Record: append([]byte(nil), excerpt...), Err: err}
}

func (e *DecodeError) Error() string {
	if len(e.Record) == 0 {
		return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%v: %v (record %q)", ErrDecode, e.Err, e.Record)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) true for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// IsTerminal reports whether err ends the inbound stream.
// Per-record decode errors are not terminal; everything else is.
func IsTerminal(err error) bool {
	return err != nil && !errors.Is(err, ErrDecode)
}
