package process

import "errors"

var (
	// ErrSpawnFailed is returned by Start when the worker cannot be launched
	// at all (missing binary, permission denied, pipe setup failure).
	// It is a startup error and never reported through the Observer.
	ErrSpawnFailed = errors.New("process: spawn failed")

	// ErrAlreadyStarted is returned when Start is called more than once.
	// A Supervisor owns exactly one process; build a new one to respawn.
	ErrAlreadyStarted = errors.New("process: already started")

	// ErrNotStarted is returned by Stdin and Stdout accessors before Start.
	ErrNotStarted = errors.New("process: not started")

	// ErrStreamAbandoned is reported as a transport error when the output
	// stream is still open after the process has exited and the drain
	// timeout has passed.
	ErrStreamAbandoned = errors.New("process: output stream not drained")
)
