// Package util provides the small set of ambient helpers every component in
// this module calls through: a structured logging facade and a couple of
// generic numeric helpers. It intentionally carries no domain knowledge.
package util

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log levels, kept for call-site compatibility with components that want to
// gate verbose tracing explicitly instead of relying on zerolog's own level
// filtering.
const (
	LevelError   = 1
	LevelWarning = 2
	LevelInfo    = 3
	LevelTrace   = 4
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// SetLogLevel adjusts the global minimum level. Components that want
// structured fields should use Logger() directly instead of the Write*
// helpers below.
func SetLogLevel(level int) {
	mu.Lock()
	defer mu.Unlock()

	switch {
	case level <= LevelError:
		logger = logger.Level(zerolog.ErrorLevel)
	case level == LevelWarning:
		logger = logger.Level(zerolog.WarnLevel)
	case level == LevelInfo:
		logger = logger.Level(zerolog.InfoLevel)
	default:
		logger = logger.Level(zerolog.TraceLevel)
	}
}

// Logger returns the shared structured logger so callers can attach fields
// (node_id, term, txn_id, ...) instead of formatting them into a string.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &logger
}

// WriteError logs at error level. Kept for call sites migrated verbatim from
// the teacher's fmt.Printf-style logging.
func WriteError(format string, v ...interface{}) { Logger().Error().Msgf(format, v...) }

// WriteWarning logs at warning level.
func WriteWarning(format string, v ...interface{}) { Logger().Warn().Msgf(format, v...) }

// WriteInfo logs at info level.
func WriteInfo(format string, v ...interface{}) { Logger().Info().Msgf(format, v...) }

// WriteTrace logs at trace level.
func WriteTrace(format string, v ...interface{}) { Logger().Trace().Msgf(format, v...) }

// Panicf logs at panic level then panics, matching the teacher's
// util.Panicf used for invariant violations that should never happen.
func Panicf(format string, v ...interface{}) { Logger().Panic().Msgf(format, v...) }

// Panicln panics after logging a single message, used for setup-time
// invariant violations (e.g. duplicate node id, empty peer set).
func Panicln(v ...interface{}) { Logger().Panic().Msgf("%v", v) }
