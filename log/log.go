package log

import "context"

// Logger is the minimal structured logging contract consumed by the core.
//
// It intentionally does not expose printf/line/fatal helpers.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

// Level represents the severity of a log entry.
//
// Lower numeric values indicate higher severity (LevelError=0 is most
// severe, LevelDebug=3 is least). A logger's configured level acts as a
// verbosity ceiling: a logger at LevelInfo emits Error, Warn, and Info but
// suppresses Debug.
type Level uint8

// Level constants define log severity, most severe first.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of a log level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Field is a strongly-typed key/value attribute attached to a log event.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value.
//
// Prefer the typed constructors (String, Int, Err) where possible to avoid
// accidentally logging sensitive values.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// NewNop returns a Logger that discards everything. Safe for concurrent use.
//
//nolint:ireturn
func NewNop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (n nopLogger) With(...Field) Logger { return n }

func (nopLogger) Enabled(Level) bool { return false }

// OrNop returns logger unchanged when non-nil, and the no-op logger
// otherwise. Constructors use it so injected loggers are always safe to call.
//
//nolint:ireturn
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NewNop()
	}

	return logger
}
