package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing names accepted by NewCodec.
const (
	FramingStream = "stream"
	FramingLine   = "line"
	FramingLength = "length"
)

const (
	// DefaultMaxRecordSize bounds a single record (1MB), matching the MQTT
	// payload limit used elsewhere.
	DefaultMaxRecordSize = 1 << 20

	// lengthPrefixSize is the size of the big-endian length header.
	lengthPrefixSize = 4
)

// Framer splits an inbound stream into records and delimits outbound ones.
type Framer interface {
	// ReadRecord returns the next record without its delimiter.
	ReadRecord(r *bufio.Reader) ([]byte, error)

	// AppendRecord appends record plus framing to buf.
	AppendRecord(buf *bytes.Buffer, record []byte) error
}

// LineFramer delimits records with '\n'.
//
// Blank lines are skipped and a trailing "\r" is stripped. A line longer
// than MaxSize is discarded up to its newline and reported as a
// DecodeError, after which reading resumes on the next line.
type LineFramer struct {
	MaxSize int
}

// ReadRecord implements Framer.
func (l LineFramer) ReadRecord(r *bufio.Reader) ([]byte, error) {
	var record []byte
	oversized := false

	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			record = append(record, chunk...)
			if l.MaxSize > 0 && len(bytes.TrimRight(record, "\r\n")) > l.MaxSize {
				oversized = true
				record = nil
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, newDecodeError(nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, l.MaxSize))
			}
			line := bytes.TrimRight(record, "\r\n")
			if len(bytes.TrimSpace(line)) == 0 {
				record = record[:0]
				continue
			}
			return line, nil

		case errors.Is(err, bufio.ErrBufferFull):
			continue

		case errors.Is(err, io.EOF):
			if oversized {
				return nil, newDecodeError(nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, l.MaxSize))
			}
			// A last record without a newline is still a record.
			line := bytes.TrimRight(record, "\r\n")
			if len(bytes.TrimSpace(line)) > 0 {
				return line, nil
			}
			return nil, io.EOF

		default:
			return nil, err
		}
	}
}

// AppendRecord implements Framer.
func (l LineFramer) AppendRecord(buf *bytes.Buffer, record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return fmt.Errorf("%w: record contains a newline", ErrEncode)
	}
	if l.MaxSize > 0 && len(record) > l.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(record), l.MaxSize)
	}
	buf.Write(record)
	buf.WriteByte('\n')
	return nil
}

// StreamFramer reads JSON objects delimited by their own syntax and writes
// one object per line. Objects may follow each other with or without
// whitespace in between, so a worker that prints json.dumps output without
// a newline is read as it writes.
//
// Bytes outside an object are skipped up to the next newline or '{' and
// reported as a DecodeError. An object longer than MaxSize is consumed and
// reported as a DecodeError, as is an object cut short by the end of the
// stream.
type StreamFramer struct {
	MaxSize int
}

// ReadRecord implements Framer.
func (s StreamFramer) ReadRecord(r *bufio.Reader) ([]byte, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return s.readObject(r)
		default:
			_ = r.UnreadByte()
			return nil, skipGarbage(r)
		}
	}
}

// readObject reads the rest of an object whose '{' has been consumed.
func (s StreamFramer) readObject(r *bufio.Reader) ([]byte, error) {
	record := []byte{'{'}
	depth := 1
	inString, escaped, oversized := false, false, false

	for depth > 0 {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, newDecodeError(record, fmt.Errorf("object: %w", io.ErrUnexpectedEOF))
			}
			return nil, err
		}

		if !oversized {
			record = append(record, c)
			if s.MaxSize > 0 && len(record) > s.MaxSize {
				oversized = true
				record = nil
			}
		}

		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
		}
	}

	if oversized {
		return nil, newDecodeError(nil, fmt.Errorf("%w: object exceeds %d bytes", ErrFrameTooLarge, s.MaxSize))
	}
	return record, nil
}

// skipGarbage discards bytes up to and including the next newline, or up
// to the next '{', and reports them.
func skipGarbage(r *bufio.Reader) error {
	var junk []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			break
		}
		if c == '{' {
			_ = r.UnreadByte()
			break
		}
		if c == '\n' {
			break
		}
		if len(junk) < maxRecordExcerpt {
			junk = append(junk, c)
		}
	}
	return newDecodeError(junk, errors.New("data outside a JSON object"))
}

// AppendRecord implements Framer.
func (s StreamFramer) AppendRecord(buf *bytes.Buffer, record []byte) error {
	return LineFramer(s).AppendRecord(buf, record)
}

// LengthFramer prefixes each record with its size as a 4-byte big-endian
// integer. An oversized declared length is terminal: the bytes that follow
// cannot be skipped safely, so the stream is treated as desynchronised.
type LengthFramer struct {
	MaxSize int
}

// ReadRecord implements Framer.
func (l LengthFramer) ReadRecord(r *bufio.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read length prefix: %w", err)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if l.MaxSize > 0 && uint64(size) > uint64(l.MaxSize) {
		return nil, fmt.Errorf("%w: declared %d bytes exceeds %d", ErrFrameTooLarge, size, l.MaxSize)
	}

	record := make([]byte, size)
	if _, err := io.ReadFull(r, record); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read record body: %w", err)
	}
	return record, nil
}

// AppendRecord implements Framer.
func (l LengthFramer) AppendRecord(buf *bytes.Buffer, record []byte) error {
	if l.MaxSize > 0 && len(record) > l.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(record), l.MaxSize)
	}
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(record))) //nolint:gosec // bounded by MaxSize
	buf.Write(header[:])
	buf.Write(record)
	return nil
}
