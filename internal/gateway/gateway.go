package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/gray-logic-nlp/internal/classifier"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/mqtt"
)

// Defaults applied by New.
const (
	DefaultService        = "classifier"
	DefaultMaxInflight    = 8
	DefaultHealthInterval = 30 * time.Second
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("gateway: already started")

// Classifier is the part of classifier.Service the gateway drives.
type Classifier interface {
	Classify(ctx context.Context, id, sentence string) (*classifier.Classification, error)
	Available() bool
	Status() classifier.ServiceStatus
}

// Broker is the part of mqtt.Client the gateway needs.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is satisfied by logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config controls a Gateway.
type Config struct {
	// Service is the topic level naming this classifier.
	Service string

	QoS byte

	// MaxInflight bounds concurrent Classify calls started from the bus.
	MaxInflight int64

	// HealthInterval is the period of retained health updates. Negative disables them.
	HealthInterval time.Duration

	// OnHealth, if set, receives every health snapshot that is published.
	OnHealth func(Health)

	Logger Logger
}

// Request is the JSON body of a request message.
type Request struct {
	Sentence string `json:"sentence"`
}

// Response is the JSON body published for every request.
type Response struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Class  string             `json:"class,omitempty"`
	Scores map[string]float64 `json:"scores,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Health is the retained health document.
type Health struct {
	Service   string                   `json:"service"`
	State     string                   `json:"state"`
	Available bool                     `json:"available"`
	Inflight  int64                    `json:"inflight"`
	Status    classifier.ServiceStatus `json:"classifier"`
	Timestamp string                   `json:"timestamp"`
}

// Gateway subscribes to classification requests and publishes replies.
type Gateway struct {
	cls    Classifier
	broker Broker
	cfg    Config
	logger Logger
	topics mqtt.Topics

	sem *semaphore.Weighted

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	inflight int64

	wg sync.WaitGroup
}

// New creates a Gateway. Zero config fields take the package defaults.
func New(cls Classifier, broker Broker, cfg Config) *Gateway {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Gateway{
		cls:    cls,
		broker: broker,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
	}
}

// Start subscribes to requests and publishes the initial health document.
// Requests keep being served until Stop or until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	pattern := g.topics.AllRequests(g.cfg.Service)
	if err := g.broker.Subscribe(pattern, g.cfg.QoS, g.handleRequest); err != nil {
		g.cancel()
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	g.publishHealth("")

	if g.cfg.HealthInterval > 0 {
		g.wg.Add(1)
		go g.healthLoop()
	}

	g.logger.Info("gateway started", "topic", pattern, "max_inflight", g.cfg.MaxInflight)
	return nil
}

// Stop unsubscribes, waits for in-flight requests to finish, and publishes
// a final "stopped" health document. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started || g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	if err := g.broker.Unsubscribe(g.topics.AllRequests(g.cfg.Service)); err != nil {
		g.logger.Warn("gateway unsubscribe failed", "error", err)
	}

	// Requests already accepted still get a reply; those waiting for a
	// slot are cancelled.
	g.cancel()
	g.wg.Wait()

	g.publishHealth("stopped")
	g.logger.Info("gateway stopped")
}

// handleRequest runs in a broker goroutine; it only validates and hands
// off so the broker's delivery loop never blocks on the classifier.
func (g *Gateway) handleRequest(topic string, payload []byte) error {
	id, ok := g.topics.RequestID(g.cfg.Service, topic)
	if !ok {
		return fmt.Errorf("unexpected request topic %q", topic)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		g.reply(Response{ID: id, Status: string(classifier.OutcomeRejected), Error: "invalid request payload: " + err.Error()})
		return nil
	}
	req.Sentence = strings.TrimSpace(req.Sentence)
	if req.Sentence == "" {
		g.reply(Response{ID: id, Status: string(classifier.OutcomeRejected), Error: "sentence is required"})
		return nil
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go g.serve(id, req.Sentence)
	return nil
}

func (g *Gateway) serve(id, sentence string) {
	defer g.wg.Done()

	if err := g.sem.Acquire(g.ctx, 1); err != nil {
		g.reply(Response{ID: id, Status: string(classifier.OutcomeCanceled), Error: "gateway stopping"})
		return
	}
	defer g.sem.Release(1)

	g.addInflight(1)
	defer g.addInflight(-1)

	// Accepted requests run to completion even while stopping.
	c, err := g.cls.Classify(context.WithoutCancel(g.ctx), id, sentence)
	g.reply(buildResponse(id, c, err))
}

func buildResponse(id string, c *classifier.Classification, err error) Response {
	resp := Response{ID: id, Status: string(classifier.StatusOf(err))}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Class, _ = c.Top()
	resp.Scores = c.Scores()
	return resp
}

func (g *Gateway) reply(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("encoding response failed", "id", resp.ID, "error", err)
		return
	}
	if err := g.broker.Publish(g.topics.Response(g.cfg.Service, resp.ID), payload, g.cfg.QoS, false); err != nil {
		g.logger.Warn("publishing response failed", "id", resp.ID, "error", err)
		return
	}
	g.logger.Debug("response published", "id", resp.ID, "status", resp.Status)
}

func (g *Gateway) addInflight(n int64) {
	g.mu.Lock()
	g.inflight += n
	g.mu.Unlock()
}

// Inflight returns the number of requests currently being classified.
func (g *Gateway) Inflight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

func (g *Gateway) healthLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.publishHealth("")
		}
	}
}

// Snapshot builds the current health document. A non-empty state
// overrides the service state.
func (g *Gateway) Snapshot(state string) Health {
	st := g.cls.Status()
	if state == "" {
		state = string(st.State)
	}
	return Health{
		Service:   g.cfg.Service,
		State:     state,
		Available: g.cls.Available() && state != "stopped",
		Inflight:  g.Inflight(),
		Status:    st,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (g *Gateway) publishHealth(state string) {
	h := g.Snapshot(state)
	if g.cfg.OnHealth != nil {
		g.cfg.OnHealth(h)
	}

	payload, err := json.Marshal(h)
	if err != nil {
		g.logger.Error("encoding health failed", "error", err)
		return
	}
	if err := g.broker.Publish(g.topics.Health(g.cfg.Service), payload, g.cfg.QoS, true); err != nil {
		g.logger.Warn("publishing health failed", "error", err)
	}
}
