package classifier

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-nlp/internal/frame"
	"github.com/nerrad567/gray-logic-nlp/internal/process"
)

// exitGrace bounds how long a bridge built by New waits, after the worker's
// stdout ends, for the exit status to report as the closure cause.
const exitGrace = 500 * time.Millisecond

// Config describes how to launch and talk to one worker.
type Config struct {
	// Worker is the process to launch.
	Worker process.Config

	// Framing and Encoding select the wire format ("stream"/"line"/"length",
	// "json"/"cbor"). Empty values select stream-framed JSON.
	Framing  string
	Encoding string

	// MaxFrameSize bounds one record in bytes. Zero selects the default.
	MaxFrameSize int

	Logger Logger
}

// New launches the worker and returns a live bridge that owns it.
//
// A worker that cannot be spawned is a startup failure: the error wraps
// process.ErrSpawnFailed and no bridge is returned. The bridge closes when
// the worker's output ends or fails; a worker that is still running then is
// stopped. Close stops the worker.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	framer, codec, err := frame.NewCodec(cfg.Framing, cfg.Encoding, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	b := newBridge(Options{Logger: cfg.Logger, ExitGrace: exitGrace})

	sup := process.NewSupervisor(cfg.Worker)
	if cfg.Logger != nil {
		sup.SetLogger(cfg.Logger)
	}
	sup.SetObserver(b)
	b.sup = sup

	if err := sup.Start(ctx); err != nil {
		return nil, err
	}

	tr := frame.NewTransport(sup.Stdout(), sup.Stdin(), frame.Options{Framer: framer, Codec: codec})
	b.start(tr)

	b.logger.Info("classifier bridge started",
		"worker", cfg.Worker.Name,
		"pid", sup.PID(),
		"codec", tr.CodecName(),
	)

	return b, nil
}
