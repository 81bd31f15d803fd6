// Package frame turns the duplex byte stream of a worker process into
// discrete structured messages and back.
//
// A record on the wire is one self-delimited unit. Three framings are
// supported:
//
//   - stream: JSON objects delimited by their own braces, newline optional
//     on input (the default; the Python classifier worker writes replies
//     back to back with no separator). Outbound objects end with '\n'.
//   - line: newline-delimited records
//   - length: a 4-byte big-endian length prefix followed by the record
//
// Each record carries an encoded map. JSON is the default encoding; CBOR is
// available for length framing only, because CBOR output may contain
// newline bytes.
//
// # Wire shape
//
//	outbound: {"id": "<identifier>", ...request fields}
//	inbound:  {"id": "<identifier>", "error": <truthy>?, ...result fields}
//
// # Failure semantics
//
// A record that cannot be decoded is reported as a *DecodeError and the
// stream carries on with the next record. Any other read error, including
// io.EOF, is terminal and is returned by every subsequent call to Next.
//
// # Thread Safety
//
// Write is safe for concurrent use; each frame is written with a single
// Write call while holding a mutex, so frames never interleave. Next must
// only be called from one goroutine (the reader loop).
package frame
