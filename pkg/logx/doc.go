// Package logx configures taskpulse's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for collectors and log files
//   - An optional operator alert sink (min-level + rate limiting)
package logx
