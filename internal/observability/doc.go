// Package observability provides structured logging and Prometheus metrics
// for the gateway.
//
// This package implements:
//   - zap logger construction from LOG_LEVEL / LOG_FORMAT
//   - authorization outcome and identity resolution metrics
//   - provider discovery counters
//   - the /metrics handler served on the metrics port
package observability
