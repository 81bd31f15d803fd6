// Package classifier bridges sentence classification requests to an
// out-of-process worker.
//
// A Bridge multiplexes concurrent requests over one framed connection.
// Every request carries a caller-chosen id; the worker answers each with
// exactly one reply carrying the same id, in any order:
//
//	b, err := classifier.New(ctx, classifier.Config{
//	    Worker: process.DefaultConfig("classifier", "python3",
//	        []string{"-u", "python_classifier/classifier.py"}),
//	})
//	if err != nil {
//	    return err // wraps process.ErrSpawnFailed
//	}
//	defer b.Close()
//
//	c, err := b.Classify(ctx, "42", "turn on the kitchen lights")
//
// # Lifecycle
//
// A bridge starts live and closes once, when the worker's output ends or
// the worker process has been reaped. Closing settles every pending call
// with a *TransportError; later submissions settle immediately with the
// same error and never touch the connection.
//
// # Errors
//
// Failures are distinguishable with errors.Is:
//
//   - ErrTransportClosed: the worker transport is gone (*TransportError)
//   - ErrClassification: the worker flagged this one request (*ClassificationError)
//   - ErrCanceled: the caller abandoned the call
//   - ErrInvalidID, ErrDuplicateID: the submission was rejected
//   - frame.ErrDecode: a reply could not be decoded; it is logged and
//     counted and affects no pending call
//
// Nothing is retried inside a Bridge. Service owns restart, reload and
// timeout policy on top of it.
package classifier
