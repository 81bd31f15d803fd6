// Package logging provides structured logging for the Gray Logic NLP bridge.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("worker spawned", "pid", pid)
//	logger.Error("worker exited", "error", err)
//
// Never log sentence text at info level or above; it may contain
// personal data. Use debug.
package logging
