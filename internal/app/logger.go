package app

import (
	"log/slog"
	"os"
)

// NewLogger returns the root slog.Logger. Production deployments set
// LOG_FORMAT=json for ingestion; the text handler is for local use. Every
// line carries the service attribute so worker and server logs can be
// separated from shared infrastructure in one stream.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "meridian"))
}
