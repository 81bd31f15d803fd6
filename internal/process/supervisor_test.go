package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"
)

// recordingObserver captures lifecycle events in order.
type recordingObserver struct {
	mu      sync.Mutex
	events  []string
	errs    []error
	exitErr error
	closed  chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(chan struct{})}
}

func (o *recordingObserver) OnTransportError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "error")
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnStreamEnd() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "end")
}

func (o *recordingObserver) OnClosed(exitErr error) {
	o.mu.Lock()
	o.events = append(o.events, "closed")
	o.exitErr = exitErr
	o.mu.Unlock()
	close(o.closed)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-o.closed:
	case <-time.After(10 * time.Second):
		t.Fatal("OnClosed was not delivered")
	}
}

func equalEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/bin/cat"})

	if s.config.Name != "/bin/cat" {
		t.Errorf("Name = %q, want %q", s.config.Name, "/bin/cat")
	}
	if s.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want %v", s.config.GracefulTimeout, 10*time.Second)
	}
	if s.config.StreamDrainTimeout != 5*time.Second {
		t.Errorf("StreamDrainTimeout = %v, want %v", s.config.StreamDrainTimeout, 5*time.Second)
	}
	if s.Status() != StatusIdle {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusIdle)
	}
	if s.PID() != 0 {
		t.Errorf("PID() = %d, want 0", s.PID())
	}
	if s.Uptime() != 0 {
		t.Errorf("Uptime() = %v, want 0", s.Uptime())
	}
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(Config{Name: "missing", Binary: "/nonexistent/worker"})
	s.SetObserver(obs)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Start() error = %v, want ErrSpawnFailed", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusFailed)
	}
	if s.ExitError() == nil {
		t.Error("ExitError() = nil, want spawn error")
	}
	if got := obs.snapshot(); len(got) != 0 {
		t.Errorf("observer events = %v, want none", got)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() after failed start error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after failed start")
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/bin/cat"})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v, want nil", err)
	}
	if _, err := s.Stdin().Write([]byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stdin().Write() error = %v, want ErrNotStarted", err)
	}
	if _, err := s.Stdout().Read(make([]byte, 1)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stdout().Read() error = %v, want ErrNotStarted", err)
	}
}

func TestSupervisor_EchoAndStop(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(Config{
		Name:            "cat",
		Binary:          "/bin/cat",
		GracefulTimeout: 2 * time.Second,
	})
	s.SetObserver(obs)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if s.Status() != StatusRunning {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusRunning)
	}
	if s.PID() == 0 {
		t.Error("PID() = 0, want non-zero")
	}

	lines := make(chan string, 1)
	go func() {
		r := bufio.NewReader(s.Stdout())
		line, _ := r.ReadString('\n')
		lines <- line
		_, _ = io.Copy(io.Discard, r)
	}()

	if _, err := s.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("Stdin().Write() error = %v", err)
	}

	select {
	case line := <-lines:
		if line != "hello\n" {
			t.Errorf("echoed %q, want %q", line, "hello\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo from worker")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	obs.waitClosed(t)

	if got, want := obs.snapshot(), []string{"end", "closed"}; !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusStopped)
	}

	stats := s.Stats()
	if stats.BytesOut != 6 {
		t.Errorf("BytesOut = %d, want 6", stats.BytesOut)
	}
	if stats.BytesIn != 6 {
		t.Errorf("BytesIn = %d, want 6", stats.BytesIn)
	}
}

func TestSupervisor_ExitReported(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(Config{
		Name:   "exit3",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo bye; echo oops >&2; exit 3"},
	})
	s.SetObserver(obs)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	out := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(s.Stdout())
		out <- b
	}()

	obs.waitClosed(t)

	if got := string(<-out); got != "bye\n" {
		t.Errorf("stdout = %q, want %q", got, "bye\n")
	}
	if got, want := obs.snapshot(), []string{"end", "closed"}; !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	var exitErr *exec.ExitError
	if !errors.As(obs.exitErr, &exitErr) {
		t.Fatalf("exitErr = %v, want *exec.ExitError", obs.exitErr)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", exitErr.ExitCode())
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusFailed)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after OnClosed")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() after exit error = %v", err)
	}
}

func TestSupervisor_UndrainedStream(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(Config{
		Name:               "quiet",
		Binary:             "/bin/sh",
		Args:               []string{"-c", "exit 0"},
		StreamDrainTimeout: 100 * time.Millisecond,
	})
	s.SetObserver(obs)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Nobody reads stdout.
	obs.waitClosed(t)

	if got, want := obs.snapshot(), []string{"error", "closed"}; !equalEvents(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if !errors.Is(obs.errs[0], ErrStreamAbandoned) {
		t.Errorf("transport error = %v, want ErrStreamAbandoned", obs.errs[0])
	}
	if obs.exitErr != nil {
		t.Errorf("exitErr = %v, want nil", obs.exitErr)
	}
	if s.Status() != StatusExited {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusExited)
	}
}

func TestSupervisor_ContextCancelKills(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor(Config{
		Name:   "sleeper",
		Binary: "/bin/sleep",
		Args:   []string{"60"},
	})
	s.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() { _, _ = io.Copy(io.Discard, s.Stdout()) }()

	cancel()
	obs.waitClosed(t)

	if obs.exitErr == nil {
		t.Error("exitErr = nil, want killed error")
	}
}
