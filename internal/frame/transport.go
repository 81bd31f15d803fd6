package frame

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// readBufferSize is the bufio buffer in front of the worker's stdout.
const readBufferSize = 64 * 1024

// Options selects the framing and encoding of a Transport.
// Zero values select stream framing and JSON.
type Options struct {
	Framer Framer
	Codec  Codec
}

// TransportStats holds transport counters.
type TransportStats struct {
	FramesTx     uint64
	FramesRx     uint64
	DecodeErrors uint64
}

// Transport reads and writes frames over a duplex byte stream.
type Transport struct {
	framer Framer
	codec  Codec

	r    *bufio.Reader
	rerr error // sticky terminal read error; only touched by the reader

	w   io.Writer
	wmu sync.Mutex

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewTransport wraps r (inbound) and w (outbound).
func NewTransport(r io.Reader, w io.Writer, opts Options) *Transport {
	if opts.Framer == nil {
		opts.Framer = StreamFramer{MaxSize: DefaultMaxRecordSize}
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	return &Transport{
		framer: opts.Framer,
		codec:  opts.Codec,
		r:      bufio.NewReaderSize(r, readBufferSize),
		w:      w,
	}
}

// Write encodes f and writes it as one unit.
func (t *Transport) Write(f Frame) error {
	record, err := t.codec.Marshal(f.wire())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var buf bytes.Buffer
	if err := t.framer.AppendRecord(&buf, record); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame %s: %w", f.ID, err)
	}
	t.framesTx.Add(1)
	return nil
}

// Next returns the next inbound frame.
//
// A *DecodeError means one record was bad and Next may be called again.
// Any other error is terminal and is returned again on every later call.
func (t *Transport) Next() (Frame, error) {
	if t.rerr != nil {
		return Frame{}, t.rerr
	}

	record, err := t.framer.ReadRecord(t.r)
	if err != nil {
		if IsTerminal(err) {
			t.rerr = err
		} else {
			t.decodeErrors.Add(1)
		}
		return Frame{}, err
	}

	m, err := t.codec.Unmarshal(record)
	if err != nil {
		t.decodeErrors.Add(1)
		return Frame{}, newDecodeError(record, err)
	}

	f, err := fromWire(m)
	if err != nil {
		t.decodeErrors.Add(1)
		return Frame{}, newDecodeError(record, err)
	}

	t.framesRx.Add(1)
	return f, nil
}

// Stats returns transport counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		FramesTx:     t.framesTx.Load(),
		FramesRx:     t.framesRx.Load(),
		DecodeErrors: t.decodeErrors.Load(),
	}
}

// CodecName reports the framing and encoding in use, for logging.
func (t *Transport) CodecName() string {
	var framing string
	switch t.framer.(type) {
	case StreamFramer:
		framing = FramingStream
	case LengthFramer:
		framing = FramingLength
	default:
		framing = FramingLine
	}
	return framing + "/" + t.codec.Name()
}
