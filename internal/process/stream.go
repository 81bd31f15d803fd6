package process

import (
	"fmt"
	"io"
	"os"
)

// observedReader reports the end of the worker's stdout to the supervisor.
type observedReader struct {
	s *Supervisor
	f *os.File
}

func (o *observedReader) Read(p []byte) (int, error) {
	n, err := o.f.Read(p)
	if n > 0 {
		o.s.bytesIn.Add(uint64(n))
	}
	if err != nil {
		o.s.finishStream(err)
	}
	return n, err
}

// observedWriter reports failed writes to the worker's stdin.
type observedWriter struct {
	s *Supervisor
	w io.WriteCloser
}

func (o *observedWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if n > 0 {
		o.s.bytesOut.Add(uint64(n))
	}
	if err != nil {
		o.s.transportError(fmt.Errorf("write stdin: %w", err))
	}
	return n, err
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }
