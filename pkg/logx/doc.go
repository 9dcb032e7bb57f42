// Package logx configures postpilot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink (min-level + rate limiting) that forwards
//     warnings about failed posts and degraded cycles to an operator chat
package logx
