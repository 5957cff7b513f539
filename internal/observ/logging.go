package observ

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetOutput redirects every log line, mostly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel accepts zerolog level names; an empty string keeps the current level.
func SetLevel(level string) error {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Logger returns the process logger.
func Logger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := logger
	return &l
}

func emit(e *zerolog.Event, event string, kv map[string]any) {
	e.Str("event", event).Fields(kv).Send()
}

func Log(event string, kv map[string]any) {
	emit(Logger().Info(), event, kv)
}

func Debug(event string, kv map[string]any) {
	emit(Logger().Debug(), event, kv)
}

func Warn(event string, kv map[string]any) {
	emit(Logger().Warn(), event, kv)
}

// Error logs event at error level with err attached under "error".
func Error(event string, err error, kv map[string]any) {
	emit(Logger().Error().Err(err), event, kv)
}
