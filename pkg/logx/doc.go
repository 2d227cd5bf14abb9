// Package logx configures the bot's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional chat sink (min-level + rate limiting) for operator alerts
package logx
