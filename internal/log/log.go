package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	root     atomic.Pointer[zerolog.Logger]
	initOnce sync.Once

	mu       sync.Mutex
	out      io.Writer = os.Stderr
	minLevel           = zerolog.InfoLevel
)

// initLogger installs the default console logger on first use.
func initLogger() {
	initOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
		rebuild()
	})
}

// rebuild swaps the root logger. Callers other than initLogger hold mu.
func rebuild() {
	var w io.Writer = out
	if f, ok := out.(*os.File); ok && (f == os.Stderr || f == os.Stdout) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: consoleTimeFormat}
	}
	zl := zerolog.New(w).Level(minLevel).With().Timestamp().Logger()
	root.Store(&zl)
}

// SetLevel changes the minimum level. Unknown values fall back to INFO.
func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	minLevel = parseLevel(string(l))
	rebuild()
}

// SetOutput redirects log lines. Anything other than stdout/stderr receives
// JSON lines instead of the console format.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	rebuild()
}

func Debug(msg string, kv ...any) {
	logWithLevel(zerolog.DebugLevel, msg, nil, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(zerolog.InfoLevel, msg, nil, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(zerolog.WarnLevel, msg, nil, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(zerolog.ErrorLevel, msg, err, kv...)
}

func logWithLevel(level zerolog.Level, msg string, err error, kv ...any) {
	initLogger()
	zl := root.Load()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if err != nil {
		e = e.Err(err)
	}
	// Expect kv as pairs: key, value, key, value, ...
	// A trailing key without a value is ignored.
	if n := len(kv) &^ 1; n > 0 {
		e = e.Fields(kv[:n])
	}
	e.Msg(msg)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
