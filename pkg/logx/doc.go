// Package logx configures warden's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated by size/age
package logx
