// Package logx configures ec2toggle's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so components can carry
// fixed fields (comp=engine, schedule_id=42) and the root sinks can be swapped
// at runtime when the config file changes:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink for warnings (min-level + rate limiting)
package logx
