// Package logging builds the zerolog logger shared by the bot and bridges it
// into whatsmeow's logging interface.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// New returns a logger writing to w. format is "json" or "console".
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if !strings.EqualFold(strings.TrimSpace(format), "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WhatsApp adapts log for whatsmeow. whatsmeow is chatty at info level, so
// its logger is clamped to warnings unless debug logging is enabled.
func WhatsApp(log zerolog.Logger, module string) waLog.Logger {
	l := Component(log, "whatsmeow").With().Str("module", module).Logger()
	if log.GetLevel() > zerolog.DebugLevel {
		l = l.Level(zerolog.WarnLevel)
	}
	return waLog.Zerolog(l)
}
