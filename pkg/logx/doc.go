// Package logx configures farmfeed's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks swappable at runtime for config hot-reload
package logx
