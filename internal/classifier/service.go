package classifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-nlp/internal/process"
)

// ServiceState is the availability of a Service.
type ServiceState string

const (
	ServiceIdle        ServiceState = "idle"
	ServiceRunning     ServiceState = "running"
	ServiceRestarting  ServiceState = "restarting"
	ServiceUnavailable ServiceState = "unavailable"
	ServiceStopped     ServiceState = "stopped"
)

// recordTimeout bounds a single Recorder call.
const recordTimeout = 5 * time.Second

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Bridge describes the worker and its wire format.
	Bridge Config

	// RequestTimeout bounds each Classify call. Zero disables it.
	RequestTimeout time.Duration

	// RestartOnFailure respawns the worker when its bridge closes.
	RestartOnFailure bool

	// RestartDelay is the initial delay before restarting after a failure.
	// Subsequent restarts use exponential backoff up to MaxRestartDelay.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff delay.
	MaxRestartDelay time.Duration

	// MaxRestartAttempts limits consecutive restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// StableThreshold is how long a worker must stay up before the attempt
	// counter resets.
	StableThreshold time.Duration

	// WatchPaths are files (model, worker script) whose change triggers a
	// reload.
	WatchPaths []string

	// WatchDebounce coalesces bursts of file events.
	WatchDebounce time.Duration

	// DrainTimeout bounds how long a replaced bridge may finish its
	// pending calls before it is closed.
	DrainTimeout time.Duration

	Recorder Recorder
	Logger   Logger
}

// ServiceStatus is a snapshot of a Service.
type ServiceStatus struct {
	State      ServiceState   `json:"state"`
	Generation int            `json:"generation"`
	Restarts   int            `json:"restarts"`
	Reloads    int            `json:"reloads"`
	Attempts   int            `json:"attempts"`
	Uptime     time.Duration  `json:"uptime,omitempty"`
	Bridge     *Stats         `json:"bridge,omitempty"`
	Process    *process.Stats `json:"process,omitempty"`
}

// Service owns the bridge lifecycle: it respawns the worker after failures,
// reloads it when watched files change, applies request timeouts and
// reports outcomes.
type Service struct {
	cfg    ServiceConfig
	logger Logger

	// spawn builds a bridge; New unless replaced in tests.
	spawn func(ctx context.Context, cfg Config) (*Bridge, error)

	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	state        ServiceState
	current      *Bridge
	currentSince time.Time
	generation   int
	attempts     int
	restarts     int
	reloads      int

	reloadMu sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService creates a service. Call Start to launch the worker.
func NewService(cfg ServiceConfig) *Service {
	// Apply defaults for zero values
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 30 * time.Second
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 1 * time.Minute
	}
	if cfg.WatchDebounce == 0 {
		cfg.WatchDebounce = 500 * time.Millisecond
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.Bridge.Logger == nil {
		cfg.Bridge.Logger = logger
	}

	return &Service{
		cfg:    cfg,
		logger: logger,
		spawn:  New,
		state:  ServiceIdle,
	}
}

// Start launches the first worker and, when WatchPaths is set, the file
// watcher. A spawn failure is returned as is (it wraps
// process.ErrSpawnFailed) and the service stays idle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("classifier service: %w", process.ErrAlreadyStarted)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	b, err := s.spawn(runCtx, s.cfg.Bridge)
	if err != nil {
		s.mu.Lock()
		s.cancel()
		s.ctx, s.cancel = nil, nil
		s.mu.Unlock()
		return err
	}
	if !s.install(b, false) {
		_ = b.Close()
		return ErrUnavailable
	}

	if len(s.cfg.WatchPaths) > 0 {
		w, err := newFileWatcher(s.cfg.WatchPaths, s.cfg.WatchDebounce, s.logger)
		if err != nil {
			s.Stop()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(runCtx, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("reload after file change failed", "error", err)
				}
			})
		}()
	}

	s.logger.Info("classifier service started", "watch_paths", s.cfg.WatchPaths)
	return nil
}

// install makes b the current bridge. With replace unset it refuses when
// another bridge is already current. It reports whether b was installed.
func (s *Service) install(b *Bridge, replace bool) bool {
	s.mu.Lock()
	if s.state == ServiceStopped || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	if s.current != nil && !replace {
		s.mu.Unlock()
		return false
	}
	old := s.current
	s.current = b
	s.currentSince = time.Now()
	s.generation++
	s.state = ServiceRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.follow(b)

	if old != nil {
		s.wg.Add(1)
		go s.drain(old)
	}
	return true
}

// follow waits for b to close and restarts the worker if b is still current.
func (s *Service) follow(b *Bridge) {
	defer s.wg.Done()

	select {
	case <-b.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	if s.current != b {
		// replaced or stopped
		s.mu.Unlock()
		return
	}
	lived := time.Since(s.currentSince)
	s.current = nil
	if lived >= s.cfg.StableThreshold {
		s.attempts = 0
	}
	s.mu.Unlock()

	s.logger.Warn("classifier worker closed", "cause", b.Err(), "uptime", lived)
	_ = b.Close()

	s.restart()
}

// restart respawns the worker with exponential backoff.
func (s *Service) restart() {
	for {
		if !s.cfg.RestartOnFailure {
			s.setState(ServiceUnavailable)
			s.logger.Info("restart disabled, not restarting")
			return
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.state = ServiceRestarting
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.setState(ServiceUnavailable)
			s.logger.Error("max restart attempts reached", "attempts", attempt-1)
			return
		}

		delay := s.calculateBackoffDelay(attempt)
		s.logger.Info("restarting classifier worker", "attempt", attempt, "delay", delay)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		b, err := s.spawn(s.ctx, s.cfg.Bridge)
		if err != nil {
			s.logger.Error("failed to restart classifier worker", "attempt", attempt, "error", err)
			continue
		}

		if !s.install(b, false) {
			// Stopped, or a reload installed a worker meanwhile.
			_ = b.Close()
			return
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		return
	}
}

// calculateBackoffDelay returns RestartDelay doubled per attempt, capped at
// MaxRestartDelay.
func (s *Service) calculateBackoffDelay(attempt int) time.Duration {
	delay := s.cfg.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRestartDelay {
			return s.cfg.MaxRestartDelay
		}
	}
	if delay > s.cfg.MaxRestartDelay {
		return s.cfg.MaxRestartDelay
	}
	return delay
}

// Reload starts a fresh worker and swaps it in. The previous bridge keeps
// serving its pending calls for up to DrainTimeout before it is closed.
// When the new worker cannot start the current one stays in place.
func (s *Service) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return ErrUnavailable
	}

	b, err := s.spawn(ctx, s.cfg.Bridge)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if !s.install(b, true) {
		_ = b.Close()
		return ErrUnavailable
	}

	s.mu.Lock()
	s.reloads++
	s.attempts = 0
	s.mu.Unlock()

	pid := 0
	if ps, ok := b.Process(); ok {
		pid = ps.PID
	}
	s.logger.Info("classifier worker reloaded", "pid", pid)
	return nil
}

// drain lets old finish its pending calls, then closes it.
func (s *Service) drain(old *Bridge) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DrainTimeout)
	defer cancel()

	if err := old.Drain(ctx); err != nil {
		s.logger.Warn("closing replaced worker with pending requests",
			"pending", old.Pending(),
			"error", err,
		)
	}
	if err := old.Close(); err != nil {
		s.logger.Warn("failed to stop replaced worker", "error", err)
	}
}

// Classify classifies one sentence on the current worker and records the
// outcome. It fails with ErrUnavailable when no worker is live.
func (s *Service) Classify(ctx context.Context, id, sentence string) (*Classification, error) {
	start := time.Now()

	var (
		result *Classification
		err    error
	)

	if b := s.bridge(); b == nil {
		err = ErrUnavailable
	} else {
		callCtx := ctx
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		result, err = b.Classify(callCtx, id, sentence)
	}

	s.record(ctx, Outcome{
		RequestID: id,
		Sentence:  sentence,
		Status:    StatusOf(err),
		Result:    result,
		Err:       err,
		Duration:  time.Since(start),
		Time:      start,
	})

	return result, err
}

func (s *Service) record(ctx context.Context, o Outcome) {
	if s.cfg.Recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := s.cfg.Recorder.Record(recCtx, o); err != nil {
		s.logger.Warn("failed to record classification outcome",
			"request_id", o.RequestID,
			"error", err,
		)
	}
}

func (s *Service) bridge() *Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.State() != StateLive {
		return nil
	}
	return s.current
}

func (s *Service) setState(state ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ServiceStopped {
		s.state = state
	}
}

// Stop closes the current worker and waits for background goroutines.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		b := s.current
		s.current = nil
		s.state = ServiceStopped
		cancel := s.cancel
		s.mu.Unlock()

		if b != nil {
			if err := b.Close(); err != nil {
				s.logger.Warn("failed to stop classifier worker", "error", err)
			}
		}
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		s.logger.Info("classifier service stopped")
	})
}

// Status returns a snapshot of the service.
func (s *Service) Status() ServiceStatus {
	s.mu.RLock()
	st := ServiceStatus{
		State:      s.state,
		Generation: s.generation,
		Restarts:   s.restarts,
		Reloads:    s.reloads,
		Attempts:   s.attempts,
	}
	b := s.current
	since := s.currentSince
	s.mu.RUnlock()

	if b != nil {
		st.Uptime = time.Since(since)
		stats := b.Stats()
		st.Bridge = &stats
		if ps, ok := b.Process(); ok {
			st.Process = &ps
		}
	}
	return st
}

// Available reports whether a live worker is serving requests.
func (s *Service) Available() bool {
	return s.bridge() != nil
}
