package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-nlp/internal/frame"
	"github.com/nerrad567/gray-logic-nlp/internal/process"
)

// State is the transport state seen by the bridge.
type State int32

const (
	// StateLive accepts submissions.
	StateLive State = iota
	// StateClosed is terminal: every submission fails immediately.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the framed duplex connection to a worker. *frame.Transport
// satisfies it.
type Conn interface {
	Write(f frame.Frame) error
	Next() (frame.Frame, error)
}

// Logger defines the logging interface for the classifier package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Logger Logger

	// ExitGrace is how long a clean end of the inbound stream waits for the
	// owner to close the bridge with a better cause, typically the worker's
	// exit status from the supervisor's OnClosed. After it the bridge closes
	// on its own. Zero closes at once.
	ExitGrace time.Duration
}

// Stats holds bridge counters.
type Stats struct {
	State           State  `json:"-"`
	StateName       string `json:"state"`
	Pending         int    `json:"pending"`
	Submitted       uint64 `json:"submitted"`
	Completed       uint64 `json:"completed"`
	Failed          uint64 `json:"failed"`
	TransportFailed uint64 `json:"transport_failed"`
	Canceled        uint64 `json:"canceled"`
	Unmatched       uint64 `json:"unmatched"`
	DecodeErrors    uint64 `json:"decode_errors"`
}

type bridgeStats struct {
	submitted       atomic.Uint64
	completed       atomic.Uint64
	failed          atomic.Uint64
	transportFailed atomic.Uint64
	canceled        atomic.Uint64
	unmatched       atomic.Uint64
	decodeErrors    atomic.Uint64
}

// Bridge correlates requests and replies over one worker connection.
//
// Requests are keyed by caller-supplied id. Each reply settles the pending
// call with the same id; replies are matched by id only, so they may arrive
// in any order. When the transport closes, every pending call settles with a
// *TransportError and later submissions fail without touching the
// connection.
//
// Thread Safety:
//   - Submit, Cancel and the Notify methods are safe for concurrent use.
//   - One mutex guards the pending set and the state, so closure and
//     submission never interleave.
type Bridge struct {
	conn      Conn
	logger    Logger
	exitGrace time.Duration

	// sup is set when the bridge owns its worker process (see New).
	sup *process.Supervisor

	mu      sync.Mutex
	state   State
	pending map[string]*Call
	cause   error
	idle    chan struct{}

	closed   chan struct{}
	readDone chan struct{}

	stats bridgeStats
}

// NewBridge starts correlating over conn. The caller owns conn.
func NewBridge(conn Conn, opts Options) *Bridge {
	b := newBridge(opts)
	b.start(conn)
	return b
}

func newBridge(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		logger:    logger,
		exitGrace: opts.ExitGrace,
		state:     StateLive,
		pending:   make(map[string]*Call),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

func (b *Bridge) start(conn Conn) {
	b.conn = conn
	go b.readLoop()
}

// Submit registers a request and writes {id, ...payload} to the worker.
//
// On a closed bridge the returned call is already settled with a
// *TransportError and nothing is written. An empty id returns ErrInvalidID;
// an id that is still outstanding returns ErrDuplicateID. A payload that
// cannot be encoded returns the encode error and leaves the bridge live.
func (b *Bridge) Submit(id string, payload map[string]any) (*Call, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	call := newCall(b, id)

	b.mu.Lock()
	if b.state == StateClosed {
		cause := b.cause
		b.mu.Unlock()
		b.stats.transportFailed.Add(1)
		call.settle(nil, &TransportError{Cause: cause})
		return call, nil
	}
	if _, exists := b.pending[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	b.pending[id] = call
	b.mu.Unlock()

	if err := b.conn.Write(frame.NewFrame(id, payload)); err != nil {
		removed := b.forget(call)

		if errors.Is(err, frame.ErrEncode) || errors.Is(err, frame.ErrFrameTooLarge) {
			// Nothing reached the wire.
			if removed {
				call.settle(nil, err)
			}
			return nil, err
		}

		b.stats.submitted.Add(1)
		if removed {
			b.stats.transportFailed.Add(1)
			call.settle(nil, &TransportError{Cause: err})
		}
		b.NotifyError(err)
		b.fail(err)
		return call, nil
	}

	b.stats.submitted.Add(1)
	return call, nil
}

// Classify sends a sentence and waits for its classification.
func (b *Bridge) Classify(ctx context.Context, id, sentence string) (*Classification, error) {
	call, err := b.Submit(id, map[string]any{"sentence": sentence})
	if err != nil {
		return nil, err
	}
	res, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return ParseClassification(res)
}

// readLoop routes inbound frames until the connection ends.
func (b *Bridge) readLoop() {
	defer close(b.readDone)

	for {
		f, err := b.conn.Next()
		if err != nil {
			if !frame.IsTerminal(err) {
				b.stats.decodeErrors.Add(1)
				b.logger.Warn("dropping undecodable frame", "error", err)
				continue
			}

			if errors.Is(err, io.EOF) {
				b.streamEnded()
				return
			}

			b.NotifyError(err)
			if b.sup != nil {
				// Nobody reads stdout after this; drain it so the
				// supervisor sees the stream finish once the worker is gone.
				go io.Copy(io.Discard, b.sup.Stdout()) //nolint:errcheck // best effort drain
			}
			b.fail(err)
			return
		}

		b.route(f)
	}
}

// streamEnded closes the bridge after the inbound stream ended cleanly.
// Every reply already read has been routed, so only the closure cause is
// worth waiting for.
func (b *Bridge) streamEnded() {
	if b.exitGrace > 0 {
		timer := time.NewTimer(b.exitGrace)
		defer timer.Stop()

		select {
		case <-b.closed:
			return
		case <-timer.C:
		}
	}
	b.fail(errStreamEnded)
}

// fail closes the bridge with cause and stops the owned worker, which can
// no longer be talked to.
func (b *Bridge) fail(cause error) {
	if !b.closeWith(cause) || b.sup == nil {
		return
	}

	b.logger.Warn("stopping worker after transport failure", "cause", cause)
	go func() {
		if err := b.sup.Stop(); err != nil {
			b.logger.Error("failed to stop worker", "error", err)
		}
	}()
}

// route settles the pending call matching f, or drops f.
func (b *Bridge) route(f frame.Frame) {
	b.mu.Lock()
	call, ok := b.pending[f.ID]
	if ok {
		b.removeLocked(f.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.stats.unmatched.Add(1)
		b.logger.Debug("dropping unmatched reply", "id", f.ID)
		return
	}

	if f.Error {
		b.stats.failed.Add(1)
		call.settle(nil, newClassificationError(f.ID, f.Body))
		return
	}

	b.stats.completed.Add(1)
	call.settle(&Result{ID: f.ID, Body: f.Body}, nil)
}

// forget removes call from the pending set if it is still registered.
// It reports whether it did; only the remover may settle the call.
func (b *Bridge) forget(call *Call) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending[call.ID] != call {
		return false
	}
	b.removeLocked(call.ID)
	return true
}

func (b *Bridge) removeLocked(id string) {
	delete(b.pending, id)
	if len(b.pending) == 0 && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
}

// NotifyError records the transport failure reported as the closure cause.
// Only the first error is kept. It does not close the bridge.
func (b *Bridge) NotifyError(err error) {
	if err == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed || b.cause != nil {
		return
	}
	b.cause = err
	b.logger.Warn("transport error", "error", err)
}

// NotifyClosed moves the bridge to StateClosed and settles every pending
// call with a *TransportError. The first call wins; later calls are no-ops.
func (b *Bridge) NotifyClosed(err error) {
	b.closeWith(err)
}

// closeWith implements NotifyClosed and reports whether this call closed
// the bridge.
func (b *Bridge) closeWith(err error) bool {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return false
	}
	b.state = StateClosed
	if b.cause == nil {
		b.cause = err
	}
	if b.cause == nil {
		b.cause = errStreamEnded
	}
	cause := b.cause
	pending := b.pending
	b.pending = make(map[string]*Call)
	if b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
	b.mu.Unlock()

	close(b.closed)

	b.logger.Info("bridge closed", "cause", cause, "pending", len(pending))

	for _, call := range pending {
		b.stats.transportFailed.Add(1)
		call.settle(nil, &TransportError{Cause: cause})
	}
	return true
}

// OnTransportError implements process.Observer.
func (b *Bridge) OnTransportError(err error) {
	b.NotifyError(err)
}

// OnStreamEnd implements process.Observer.
func (b *Bridge) OnStreamEnd() {
	b.logger.Debug("worker stream ended")
}

// OnClosed implements process.Observer. It is a no-op when the bridge has
// already closed on a transport failure.
func (b *Bridge) OnClosed(exitErr error) {
	cause := ErrWorkerExited
	if exitErr != nil {
		cause = fmt.Errorf("%w: %w", ErrWorkerExited, exitErr)
	}
	b.NotifyClosed(cause)
}

// State returns the transport state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed when the bridge reaches StateClosed.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

// Err returns the closure cause, or nil while live.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		return nil
	}
	return b.cause
}

// Pending returns the number of outstanding calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain waits until no calls are outstanding or ctx ends.
func (b *Bridge) Drain(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the bridge and, when it owns one, stops the worker process.
// Pending calls settle with a *TransportError wrapping ErrBridgeClosed.
func (b *Bridge) Close() error {
	b.NotifyClosed(ErrBridgeClosed)
	if b.sup != nil {
		if err := b.sup.Stop(); err != nil {
			return fmt.Errorf("stopping worker: %w", err)
		}
	}
	return nil
}

// Process returns statistics for the owned worker process.
// ok is false for bridges built with NewBridge.
func (b *Bridge) Process() (stats process.Stats, ok bool) {
	if b.sup == nil {
		return process.Stats{}, false
	}
	return b.sup.Stats(), true
}

// Stats returns bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	state := b.state
	pending := len(b.pending)
	b.mu.Unlock()

	return Stats{
		State:           state,
		StateName:       state.String(),
		Pending:         pending,
		Submitted:       b.stats.submitted.Load(),
		Completed:       b.stats.completed.Load(),
		Failed:          b.stats.failed.Load(),
		TransportFailed: b.stats.transportFailed.Load(),
		Canceled:        b.stats.canceled.Load(),
		Unmatched:       b.stats.unmatched.Load(),
		DecodeErrors:    b.stats.decodeErrors.Load(),
	}
}
