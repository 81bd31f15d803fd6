package classifier

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result is a successful reply.
type Result struct {
	ID   string
	Body map[string]any
}

// Call is the handle for one submitted request. It settles exactly once.
type Call struct {
	ID string

	bridge    *Bridge
	submitted time.Time

	once    sync.Once
	done    chan struct{}
	result  *Result
	err     error
	settled time.Time
}

func newCall(b *Bridge, id string) *Call {
	return &Call{
		ID:        id,
		bridge:    b,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// settle records the outcome. Later calls are ignored.
func (c *Call) settle(res *Result, err error) {
	c.once.Do(func() {
		c.result = res
		c.err = err
		c.settled = time.Now()
		close(c.done)
	})
}

// Done is closed when the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome without blocking. Before Done is closed it
// returns ErrPending.
func (c *Call) Result() (*Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// call is cancelled and the error wraps both ErrCanceled and ctx.Err().
func (c *Call) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		c.cancel(ctx.Err())
		<-c.done
		return c.result, c.err
	}
}

// Cancel abandons the call. Nothing is sent to the worker; a reply that
// arrives later is dropped as unmatched. Cancel after settlement is a no-op.
func (c *Call) Cancel() {
	c.cancel(nil)
}

func (c *Call) cancel(cause error) {
	if c.bridge == nil || !c.bridge.forget(c) {
		// Already removed: whoever removed it settles it.
		return
	}
	err := ErrCanceled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	c.bridge.stats.canceled.Add(1)
	c.settle(nil, err)
}

// Latency returns the time from submission to settlement, or the time
// elapsed so far while pending.
func (c *Call) Latency() time.Duration {
	select {
	case <-c.done:
		return c.settled.Sub(c.submitted)
	default:
		return time.Since(c.submitted)
	}
}
