package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-nlp/internal/frame"
)

// =============================================================================
// Test connection
// =============================================================================

type inbound struct {
	f   frame.Frame
	err error
}

// chanConn is an in-memory Conn. Replies are queued on in; writes are
// recorded and optionally answered by onWrite.
type chanConn struct {
	in chan inbound

	mu       sync.Mutex
	writes   []frame.Frame
	writeErr error
	onWrite  func(frame.Frame)
}

func newChanConn() *chanConn {
	return &chanConn{in: make(chan inbound, 64)}
}

func (c *chanConn) Write(f frame.Frame) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.writes = append(c.writes, f)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (c *chanConn) Next() (frame.Frame, error) {
	in, ok := <-c.in
	if !ok {
		return frame.Frame{}, io.EOF
	}
	return in.f, in.err
}

func (c *chanConn) reply(id string, body map[string]any) {
	c.in <- inbound{f: frame.Frame{ID: id, Body: body}}
}

func (c *chanConn) replyError(id string, body map[string]any) {
	c.in <- inbound{f: frame.Frame{ID: id, Error: true, Body: body}}
}

func (c *chanConn) end() {
	close(c.in)
}

func (c *chanConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *chanConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func await(t *testing.T, call *Call) (*Result, error) {
	t.Helper()
	select {
	case <-call.Done():
		return call.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("call %s did not settle", call.ID)
		return nil, nil
	}
}

func awaitClosed(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not close")
	}
}

func mustSubmit(t *testing.T, b *Bridge, id string, payload map[string]any) *Call {
	t.Helper()
	call, err := b.Submit(id, payload)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	return call
}

// =============================================================================
// Scenarios
// =============================================================================

func TestBridge_SingleReply(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "1", map[string]any{"sentence": "turn on the lights"})
	other := mustSubmit(t, b, "2", map[string]any{"sentence": "hello"})

	if conn.writeCount() != 2 {
		t.Fatalf("writes = %d, want 2", conn.writeCount())
	}
	if got := conn.writes[0]; got.ID != "1" || got.Body["sentence"] != "turn on the lights" {
		t.Errorf("first write = %+v", got)
	}

	conn.reply("1", map[string]any{"intent": "on"})

	res, err := await(t, call)
	if err != nil {
		t.Fatalf("call 1 error = %v", err)
	}
	if res.ID != "1" || res.Body["intent"] != "on" {
		t.Errorf("call 1 result = %+v, want intent on", res)
	}

	if _, err := other.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("call 2 Result() error = %v, want ErrPending", err)
	}
	if b.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", b.Pending())
	}
}

func TestBridge_OutOfOrderReplies(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call1 := mustSubmit(t, b, "1", map[string]any{"sentence": "one"})
	call2 := mustSubmit(t, b, "2", map[string]any{"sentence": "two"})

	conn.reply("2", map[string]any{"answer": "two"})
	conn.reply("1", map[string]any{"answer": "one"})

	for _, tc := range []struct {
		call *Call
		want string
	}{{call1, "one"}, {call2, "two"}} {
		res, err := await(t, tc.call)
		if err != nil {
			t.Fatalf("call %s error = %v", tc.call.ID, err)
		}
		if res.Body["answer"] != tc.want {
			t.Errorf("call %s answer = %v, want %s", tc.call.ID, res.Body["answer"], tc.want)
		}
	}
}

func TestBridge_StreamEndFailsPending(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})

	call := mustSubmit(t, b, "3", map[string]any{"sentence": "x"})
	conn.end()

	_, err := await(t, call)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("error = %v, want ErrTransportClosed", err)
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TransportError", err)
	}
	if errors.Is(err, ErrClassification) || errors.Is(err, frame.ErrDecode) {
		t.Errorf("transport failure also matches application or decode error: %v", err)
	}

	awaitClosed(t, b)
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if got := b.Stats().Submitted; got != 0 {
		t.Errorf("Stats().Submitted = %d, want 0 for a frame that never reached the wire", got)
	}

	conn.setWriteErr(nil)
	mustSubmit(t, b, "2", nil)
	if got := b.Stats().Submitted; got != 1 {
		t.Errorf("Stats().Submitted = %d, want 1", got)
	}
}

func TestBridge_ErrorReplyKeepsBridgeLive(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "4", map[string]any{"sentence": "???"})
	conn.replyError("4", map[string]any{"error": true, "reason": "bad input"})

	_, err := await(t, call)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("error = %v, want ErrClassification", err)
	}
	if errors.Is(err, ErrTransportClosed) {
		t.Error("classification error also matches ErrTransportClosed")
	}
	var ce *ClassificationError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ClassificationError", err)
	}
	if ce.Reason != "bad input" || ce.ID != "4" {
		t.Errorf("ClassificationError = %+v, want id 4 reason bad input", ce)
	}

	if b.State() != StateLive {
		t.Errorf("State() = %v, want live", b.State())
	}

	next := mustSubmit(t, b, "5", nil)
	conn.reply("5", map[string]any{"ok": true})
	if _, err := await(t, next); err != nil {
		t.Errorf("follow-up call error = %v", err)
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestBridge_EachCallGetsItsOwnReply(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	const n = 200
	ids := make(chan string, n)
	conn.onWrite = func(f frame.Frame) { ids <- f.ID }

	calls := make([]*Call, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call, err := b.Submit(fmt.Sprintf("req-%d", i), map[string]any{"n": i})
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			calls[i] = call
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	// Answer in reverse arrival order.
	received := make([]string, 0, n)
	for i := 0; i < n; i++ {
		received = append(received, <-ids)
	}
	for i := len(received) - 1; i >= 0; i-- {
		conn.reply(received[i], map[string]any{"echo": received[i]})
	}

	for _, call := range calls {
		res, err := await(t, call)
		if err != nil {
			t.Fatalf("call %s error = %v", call.ID, err)
		}
		if res.Body["echo"] != call.ID {
			t.Errorf("call %s got reply for %v", call.ID, res.Body["echo"])
		}
	}

	stats := b.Stats()
	if stats.Completed != n || stats.Unmatched != 0 || stats.Pending != 0 {
		t.Errorf("Stats() = %+v, want %d completed and nothing left", stats, n)
	}
}

func TestBridge_UnmatchedReplyIsDropped(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call1 := mustSubmit(t, b, "1", nil)
	call2 := mustSubmit(t, b, "2", nil)

	conn.reply("99", map[string]any{"stale": true})
	conn.reply("1", map[string]any{"ok": true})

	if _, err := await(t, call1); err != nil {
		t.Fatalf("call 1 error = %v", err)
	}
	if _, err := call2.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("call 2 Result() error = %v, want ErrPending", err)
	}
	if got := b.Stats().Unmatched; got != 1 {
		t.Errorf("Unmatched = %d, want 1", got)
	}
	if b.State() != StateLive {
		t.Errorf("State() = %v, want live", b.State())
	}
}

func TestBridge_FirstReplyWins(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "1", nil)
	conn.reply("1", map[string]any{"n": "first"})
	conn.reply("1", map[string]any{"n": "second"})

	res, err := await(t, call)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Body["n"] != "first" {
		t.Errorf("result = %v, want first", res.Body["n"])
	}

	// Flush the read loop with a known reply before checking counters.
	followup := mustSubmit(t, b, "followup", nil)
	conn.reply("followup", nil)
	if _, err := await(t, followup); err != nil {
		t.Fatalf("followup error = %v", err)
	}
	if got := b.Stats().Unmatched; got != 1 {
		t.Errorf("Unmatched = %d, want 1", got)
	}
}

func TestBridge_ClosureSettlesEveryPendingCall(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})

	const n = 50
	calls := make([]*Call, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, mustSubmit(t, b, fmt.Sprintf("%d", i), nil))
	}

	cause := errors.New("pipe broke")
	b.NotifyError(cause)
	b.NotifyClosed(nil)

	for _, call := range calls {
		_, err := await(t, call)
		if !errors.Is(err, ErrTransportClosed) {
			t.Fatalf("call %s error = %v, want ErrTransportClosed", call.ID, err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("call %s error = %v, want cause %v", call.ID, err, cause)
		}
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if !errors.Is(b.Err(), cause) {
		t.Errorf("Err() = %v, want %v", b.Err(), cause)
	}
}

func TestBridge_SubmitAfterCloseNeverWrites(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	b.NotifyClosed(errors.New("gone"))

	call, err := b.Submit("7", map[string]any{"sentence": "late"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-call.Done():
	default:
		t.Fatal("call on closed bridge is not settled immediately")
	}
	if _, err := call.Result(); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Result() error = %v, want ErrTransportClosed", err)
	}
	if conn.writeCount() != 0 {
		t.Errorf("writes = %d, want 0", conn.writeCount())
	}
}

func TestBridge_SubmitRacingClosure(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})

	const n = 100
	calls := make(chan *Call, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call, err := b.Submit(fmt.Sprintf("r%d", i), nil)
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			calls <- call
		}(i)
		if i == n/2 {
			b.NotifyClosed(nil)
		}
	}
	wg.Wait()
	close(calls)

	for call := range calls {
		if _, err := await(t, call); !errors.Is(err, ErrTransportClosed) {
			t.Errorf("call %s error = %v, want ErrTransportClosed", call.ID, err)
		}
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if got := b.Stats().Submitted; got != 0 {
		t.Errorf("Stats().Submitted = %d, want 0 for a frame that never reached the wire", got)
	}

	conn.setWriteErr(nil)
	mustSubmit(t, b, "2", nil)
	if got := b.Stats().Submitted; got != 1 {
		t.Errorf("Stats().Submitted = %d, want 1", got)
	}
}

// =============================================================================
// Submission rules
// =============================================================================

func TestBridge_SubmitValidation(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	if _, err := b.Submit("", nil); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Submit(\"\") error = %v, want ErrInvalidID", err)
	}

	first := mustSubmit(t, b, "dup", nil)
	if _, err := b.Submit("dup", nil); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate Submit() error = %v, want ErrDuplicateID", err)
	}
	if conn.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", conn.writeCount())
	}

	conn.reply("dup", map[string]any{"ok": true})
	if _, err := await(t, first); err != nil {
		t.Errorf("original call error = %v", err)
	}

	// The id is free again once settled.
	again := mustSubmit(t, b, "dup", nil)
	again.Cancel()
}

func TestBridge_WriteFailure(t *testing.T) {
	conn := newChanConn()
	broken := errors.New("broken pipe")
	conn.setWriteErr(broken)
	b := NewBridge(conn, Options{})

	call, err := b.Submit("1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, err = await(t, call)
	if !errors.Is(err, ErrTransportClosed) || !errors.Is(err, broken) {
		t.Errorf("error = %v, want transport failure caused by %v", err, broken)
	}
	awaitClosed(t, b)
}

func TestBridge_EncodeFailureKeepsBridgeLive(t *testing.T) {
	conn := newChanConn()
	conn.setWriteErr(fmt.Errorf("%w: unsupported type", frame.ErrEncode))
	b := NewBridge(conn, Options{})
	defer b.Close()

	if _, err := b.Submit("1", map[string]any{"bad": make(chan int)}); !errors.Is(err, frame.ErrEncode) {
		t.Fatalf("Submit() error = %v, want ErrEncode", err)
	}
	if b.State() != StateLive {
		t.Errorf("State() = %v, want live", b.State())
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if got := b.Stats().Submitted; got != 0 {
		t.Errorf("Stats().Submitted = %d, want 0 for a frame that never reached the wire", got)
	}

	conn.setWriteErr(nil)
	mustSubmit(t, b, "2", nil)
	if got := b.Stats().Submitted; got != 1 {
		t.Errorf("Stats().Submitted = %d, want 1", got)
	}
}

// =============================================================================
// Cancellation
// =============================================================================

func TestBridge_Cancel(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "1", nil)
	call.Cancel()

	_, err := await(t, call)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if conn.writeCount() != 1 {
		t.Errorf("writes = %d, want 1 (cancel sends nothing)", conn.writeCount())
	}

	// A late reply is unmatched and does not resettle the call.
	conn.reply("1", map[string]any{"late": true})
	followup := mustSubmit(t, b, "followup", nil)
	conn.reply("followup", nil)
	if _, err := await(t, followup); err != nil {
		t.Fatalf("followup error = %v", err)
	}
	if _, err := call.Result(); !errors.Is(err, ErrCanceled) {
		t.Errorf("Result() after late reply = %v, want ErrCanceled", err)
	}
	if got := b.Stats().Unmatched; got != 1 {
		t.Errorf("Unmatched = %d, want 1", got)
	}

	call.Cancel()
	if got := b.Stats().Canceled; got != 1 {
		t.Errorf("Canceled = %d, want 1", got)
	}
}

func TestCall_WaitDeadline(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "slow", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := call.Wait(ctx)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("Wait() error = %v, want ErrCanceled", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if got := b.Stats().Submitted; got != 0 {
		t.Errorf("Stats().Submitted = %d, want 0 for a frame that never reached the wire", got)
	}

	conn.setWriteErr(nil)
	mustSubmit(t, b, "2", nil)
	if got := b.Stats().Submitted; got != 1 {
		t.Errorf("Stats().Submitted = %d, want 1", got)
	}
}

// =============================================================================
// Reader and lifecycle
// =============================================================================

func TestBridge_DecodeErrorIsNotTerminal(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	call := mustSubmit(t, b, "1", nil)
	conn.in <- inbound{err: &frame.DecodeError{Record: []byte("garbage"), Err: errors.New("invalid character")}}
	conn.reply("1", map[string]any{"ok": true})

	if _, err := await(t, call); err != nil {
		t.Fatalf("error = %v", err)
	}
	if got := b.Stats().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors = %d, want 1", got)
	}
	if b.State() != StateLive {
		t.Errorf("State() = %v, want live", b.State())
	}
}

func TestBridge_ReadErrorCloses(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})

	call := mustSubmit(t, b, "1", nil)
	readErr := errors.New("read failed")
	conn.in <- inbound{err: readErr}

	_, err := await(t, call)
	if !errors.Is(err, readErr) {
		t.Errorf("error = %v, want cause %v", err, readErr)
	}
	awaitClosed(t, b)
}

func TestBridge_ExitGraceTakesOwnerCause(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{ExitGrace: 5 * time.Second})

	call := mustSubmit(t, b, "1", nil)
	conn.end()

	exit := errors.New("exit status 2")
	b.OnStreamEnd()
	b.OnClosed(exit)

	_, err := await(t, call)
	if !errors.Is(err, ErrWorkerExited) || !errors.Is(err, exit) {
		t.Errorf("error = %v, want ErrWorkerExited wrapping %v", err, exit)
	}
}

func TestBridge_StreamEndClosesAfterGrace(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{ExitGrace: 20 * time.Millisecond})

	call := mustSubmit(t, b, "1", nil)
	conn.end()

	// No owner close arrives; the bridge must not wait for one.
	_, err := await(t, call)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("error = %v, want ErrTransportClosed", err)
	}
	awaitClosed(t, b)

	// A late exit report does not replace the cause.
	b.OnClosed(errors.New("exit status 1"))
	if errors.Is(b.Err(), ErrWorkerExited) {
		t.Errorf("Err() = %v, want the stream end cause", b.Err())
	}
}

func TestBridge_Drain(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})
	defer b.Close()

	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() on idle bridge error = %v", err)
	}

	mustSubmit(t, b, "1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() with pending call error = %v, want DeadlineExceeded", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- b.Drain(context.Background()) }()
	conn.reply("1", nil)

	select {
	case err := <-drained:
		if err != nil {
			t.Errorf("Drain() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain() did not return after last reply")
	}
}

func TestBridge_CloseIsIdempotent(t *testing.T) {
	conn := newChanConn()
	b := NewBridge(conn, Options{})

	call := mustSubmit(t, b, "1", nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	_, err := await(t, call)
	if !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("error = %v, want ErrBridgeClosed", err)
	}
	if _, ok := b.Process(); ok {
		t.Error("Process() ok = true for a bridge without a worker")
	}
}

// =============================================================================
// Real transport
// =============================================================================

func TestBridge_OverFramedTransport(t *testing.T) {
	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()
	defer reqR.Close()
	defer repW.Close()

	b := NewBridge(frame.NewTransport(repR, reqW, frame.Options{}), Options{})
	defer b.Close()

	// The worker answers with a numeric id and stringified scores.
	go func() {
		worker := frame.NewTransport(reqR, io.Discard, frame.Options{})
		f, err := worker.Next()
		if err != nil {
			return
		}
		line := fmt.Sprintf(`{"id":%s,"questions":"0.1","commands":"0.7","chatty":"0.15","other":"0.05","sentence":%q}`+"\n",
			f.ID, f.Body["sentence"])
		_, _ = io.Copy(repW, strings.NewReader(line))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := b.Classify(ctx, "1", "turn on the lights")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if class, score := c.Top(); class != ClassCommands || score != 0.7 {
		t.Errorf("Top() = %s %v, want commands 0.7", class, score)
	}
	if c.Sentence != "turn on the lights" {
		t.Errorf("Sentence = %q", c.Sentence)
	}
}
