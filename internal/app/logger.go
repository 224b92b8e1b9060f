package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger. LOG_FORMAT=json
// selects the JSON handler for aggregated deployments; anything else keeps
// the text handler for readable local output. Source locations are attached
// so audit-adjacent warnings can be traced to their call site.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
