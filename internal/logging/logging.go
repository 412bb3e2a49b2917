// Package logging builds the zerolog logger shared by the server and CLI.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at the given level. format "console"
// selects human-readable output; anything else writes JSON lines.
func New(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano, NoColor: true}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
