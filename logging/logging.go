// Package logging owns the process logger. Packages take a child tagged
// with their component name when they are constructed.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var root atomic.Pointer[zerolog.Logger]

func init() {
	Setup(os.Stderr, "info", false)
}

// Setup replaces the process logger. Components created before the call
// keep the logger they were given.
//
// level is a zerolog level name ("debug", "info", "warn", ...); an empty or
// unknown name means info.
func Setup(w io.Writer, level string, pretty bool) {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	root.Store(&l)
}

// Component returns a child of the process logger tagged with name.
func Component(name string) zerolog.Logger {
	return root.Load().With().Str("component", name).Logger()
}

// Level reports the level of the process logger.
func Level() zerolog.Level {
	return root.Load().GetLevel()
}

func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
