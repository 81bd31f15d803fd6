package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
)

// outputBufferSize is the buffer size for capturing subprocess stderr.
const outputBufferSize = 4096

// Config holds configuration for a supervised worker.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// StreamDrainTimeout is how long to wait, after the process has been
	// reaped, for the reader to consume stdout to EOF.
	StreamDrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:               name,
		Binary:             binary,
		Args:               args,
		GracefulTimeout:    10 * time.Second,
		StreamDrainTimeout: 5 * time.Second,
	}
}

// Logger defines the logging interface for the supervisor.
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

// Observer receives lifecycle notifications for one process.
//
// Each method is called at most once. OnTransportError and OnStreamEnd
// always precede OnClosed. OnClosed means the process has been reaped and
// its output stream is finished: no further message will arrive.
type Observer interface {
	OnTransportError(err error)
	OnStreamEnd()
	OnClosed(exitErr error)
}

type noopObserver struct{}

func (noopObserver) OnTransportError(error) {}
func (noopObserver) OnStreamEnd()           {}
func (noopObserver) OnClosed(error)         {}

// Supervisor owns one worker process and its stdio pipes.
//
// It never restarts the process. An owner that wants a fresh worker builds
// a new Supervisor once OnClosed has fired.
type Supervisor struct {
	config   Config
	logger   Logger
	observer Observer

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	startTime     time.Time
	exitErr       error
	stopRequested bool

	stdin  *observedWriter
	stdout *observedReader

	errOnce    sync.Once
	streamOnce sync.Once
	streamDone chan struct{}
	done       chan struct{}
	doneOnce   sync.Once

	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	stderrLines atomic.Uint64
}

// NewSupervisor creates a supervisor for the given configuration.
func NewSupervisor(cfg Config) *Supervisor {
	// Apply defaults for zero values
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.StreamDrainTimeout == 0 {
		cfg.StreamDrainTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}

	return &Supervisor{
		config:     cfg,
		logger:     noopLogger{},
		observer:   noopObserver{},
		status:     StatusIdle,
		streamDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetObserver registers the lifecycle observer. It must be called before Start.
func (s *Supervisor) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Start launches the worker.
//
// Cancelling ctx kills the whole process group. A failure to launch is
// returned wrapped in ErrSpawnFailed, no Observer method is called, and
// Done is closed. A Supervisor is started at most once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil || s.status != StatusIdle {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, s.config.Name)
	}

	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	cmd := exec.CommandContext(ctx, s.config.Binary, s.config.Args...) //nolint:gosec // Binary comes from validated config

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.spawnFailed(fmt.Errorf("creating stdin pipe: %w", err))
	}

	// stdout and stderr use plain pipes rather than StdoutPipe so Wait does
	// not close the read side under a reader that is still draining.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return s.spawnFailed(fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return s.spawnFailed(fmt.Errorf("creating stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return s.spawnFailed(fmt.Errorf("starting %s: %w", s.config.Name, err))
	}

	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()

	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.stdin = &observedWriter{s: s, w: stdin}
	s.stdout = &observedReader{s: s, f: stdoutR}

	go s.captureOutput(stderrR)
	go s.monitor(cmd)

	s.logger.Info("process started",
		"name", s.config.Name,
		"pid", cmd.Process.Pid,
	)

	return nil
}

// spawnFailed records a launch failure and releases Done waiters.
// The caller holds s.mu.
func (s *Supervisor) spawnFailed(err error) error {
	s.status = StatusFailed
	s.exitErr = err
	s.doneOnce.Do(func() { close(s.done) })
	return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
}

// Stdin returns the write side of the transport (the worker's stdin).
// Write errors are reported to the Observer as a transport error.
func (s *Supervisor) Stdin() io.Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stdin == nil {
		return errWriter{err: ErrNotStarted}
	}
	return s.stdin
}

// Stdout returns the read side of the transport (the worker's stdout).
// io.EOF is reported as stream end; any other error as a transport error.
func (s *Supervisor) Stdout() io.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stdout == nil {
		return errReader{err: ErrNotStarted}
	}
	return s.stdout
}

// captureOutput logs each stderr line at debug level until the pipe closes.
func (s *Supervisor) captureOutput(r io.ReadCloser) {
	defer r.Close()

	br := bufio.NewReaderSize(r, outputBufferSize)
	for {
		line, isPrefix, err := br.ReadLine()
		if len(line) > 0 {
			s.stderrLines.Add(1)
			s.logger.Debug("process output",
				"name", s.config.Name,
				"stream", "stderr",
				"output", string(line),
				"partial", isPrefix,
			)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output stream closed",
					"name", s.config.Name,
					"stream", "stderr",
					"error", err,
				)
			}
			return
		}
	}
}

// monitor reaps the process, waits for stdout to drain, then reports closure.
func (s *Supervisor) monitor(cmd *exec.Cmd) {
	defer s.doneOnce.Do(func() { close(s.done) })

	exitErr := cmd.Wait()

	select {
	case <-s.streamDone:
	case <-time.After(s.config.StreamDrainTimeout):
		s.logger.Warn("stdout not drained after exit, closing",
			"name", s.config.Name,
			"timeout", s.config.StreamDrainTimeout,
		)
		s.stdout.f.Close()
		s.finishStream(ErrStreamAbandoned)
	}

	s.mu.Lock()
	s.exitErr = exitErr
	switch {
	case s.stopRequested:
		s.status = StatusStopped
	case exitErr != nil:
		s.status = StatusFailed
	default:
		s.status = StatusExited
	}
	s.mu.Unlock()

	if exitErr != nil && !s.isStopRequested() {
		s.logger.Warn("process exited unexpectedly",
			"name", s.config.Name,
			"error", exitErr,
		)
	} else {
		s.logger.Info("process exited", "name", s.config.Name)
	}

	s.observer.OnClosed(exitErr)
}

// transportError reports the first I/O failure on either pipe.
func (s *Supervisor) transportError(err error) {
	s.errOnce.Do(func() {
		s.logger.Warn("transport error", "name", s.config.Name, "error", err)
		s.observer.OnTransportError(err)
	})
}

// finishStream records the end of stdout, exactly once.
func (s *Supervisor) finishStream(err error) {
	s.streamOnce.Do(func() {
		if errors.Is(err, io.EOF) {
			s.logger.Debug("stream ended", "name", s.config.Name)
			s.observer.OnStreamEnd()
		} else {
			s.transportError(err)
		}
		close(s.streamDone)
	})
}

func (s *Supervisor) isStopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopRequested
}

// Stop shuts the worker down.
//
// It closes stdin, sends SIGTERM to the process group, and escalates to
// SIGKILL after GracefulTimeout. It returns once OnClosed has been
// delivered. Stop is a no-op before Start and after the process has exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	// A well-behaved worker exits on EOF.
	_ = stdin.w.Close()

	// Use negative PID to signal the process group (created via Setpgid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			s.logger.Warn("failed to send SIGTERM to process group", "name", s.config.Name, "error", err)
		}
	}

	select {
	case <-s.done:
		s.logger.Info("process stopped gracefully", "name", s.config.Name)
		return nil
	case <-time.After(s.config.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing process group %s: %w", s.config.Name, err)
		}
	}

	<-s.done
	s.logger.Info("process killed", "name", s.config.Name)

	return nil
}

// Done is closed after OnClosed has been delivered, or when Start fails.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns the current status of the process.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ExitError returns the error from Wait, or the spawn error. It is nil
// while the process runs and after a clean exit.
func (s *Supervisor) ExitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitErr
}

// Uptime returns how long the process has been running.
// Returns 0 if the process is not running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return 0
	}
	return time.Since(s.startTime)
}

// PID returns the process ID, or 0 if never started.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats holds statistics about the supervised process.
type Stats struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	PID         int           `json:"pid,omitempty"`
	Uptime      time.Duration `json:"uptime,omitempty"`
	BytesIn     uint64        `json:"bytes_in"`
	BytesOut    uint64        `json:"bytes_out"`
	StderrLines uint64        `json:"stderr_lines"`
	LastError   string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:        s.config.Name,
		Status:      s.status,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		StderrLines: s.stderrLines.Load(),
	}

	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.exitErr != nil {
		stats.LastError = s.exitErr.Error()
	}

	return stats
}
