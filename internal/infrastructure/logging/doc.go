// Package logging wraps log/slog so every part of the monitor logs the
// same way: structured key-value entries with service and version
// fields attached, JSON in production and text during development.
//
// Level, format, and output come from the logging section of
// config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting service", "port", 8080)
//
// Never log secrets, tokens, or API keys.
package logging
