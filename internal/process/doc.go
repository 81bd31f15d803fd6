// Package process supervises a single long-lived worker process.
//
// The supervisor launches the worker in its own process group, exposes its
// stdin and stdout as the two halves of a byte-stream transport, forwards
// stderr to the logger, and reports lifecycle events to an Observer:
//
//   - OnTransportError: first read or write failure on the pipes
//   - OnStreamEnd: stdout reached EOF
//   - OnClosed: the process has been reaped and stdout is finished
//
// A Supervisor never restarts its process. Restart policy belongs to the
// owner, which builds a fresh Supervisor after OnClosed.
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:   "classifier",
//	    Binary: "python3",
//	    Args:   []string{"-u", "python_classifier/classifier.py"},
//	})
//	sup.SetObserver(bridge)
//
//	if err := sup.Start(ctx); err != nil {
//	    return err // wraps process.ErrSpawnFailed
//	}
//	defer sup.Stop()
package process
