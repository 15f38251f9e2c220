// Package logx configures feedagent's structured logging.
//
// The agent uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels swappable at runtime when the config file is reloaded
package logx
