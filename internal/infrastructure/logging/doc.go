// Package logging provides structured logging for the automation engine.
//
// It wraps log/slog so every entry carries the service name and version,
// and every subsystem logs through a component-scoped child logger:
//
//	logger := logging.New(cfg.Logging, version)
//	schedLog := logger.Component("scheduler")
//	schedLog.Info("rule fired", "rule_id", id, "trigger", "time")
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// *Logger satisfies the small Logger interfaces declared by the domain
// packages (Debug/Info/Warn/Error with key/value args), so it can be passed
// to them directly.
//
// Never log MQTT passwords, InfluxDB tokens or webhook headers.
package logging
