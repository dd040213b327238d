package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// PlainEnv selects the PlainLogger instead of slog, e.g. when the output
// is piped into a tool that does not expect key=value records
const PlainEnv = "ROBOMIRROR_PLAIN_LOGGER"

// PlainLogger prints "LEVEL message key=value ..." lines. Warnings and
// errors go to errOut, everything else to out.
type PlainLogger struct {
	mu     *sync.Mutex
	level  Level
	out    io.Writer
	errOut io.Writer
	fields string
}

// NewPlainLogger writes to stdout and stderr
func NewPlainLogger(level Level) *PlainLogger {
	return NewPlainLoggerTo(level, os.Stdout, os.Stderr)
}

// NewPlainLoggerTo writes to the given writers
func NewPlainLoggerTo(level Level, out, errOut io.Writer) *PlainLogger {
	return &PlainLogger{mu: &sync.Mutex{}, level: level, out: out, errOut: errOut}
}

func (l *PlainLogger) print(level Level, msg string, args []any) {
	if level < l.level {
		return
	}
	w := l.out
	if level >= LevelWarn {
		w = l.errOut
	}

	line := fmt.Sprintf("[%s] %s%s%s", strings.ToUpper(level.String()), msg, l.fields, formatFields(args))
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(w, line)
}

func formatFields(args []any) string {
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fmt.Fprintf(&b, " !BADKEY=%v", args[i])
			break
		}
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

func (l *PlainLogger) Debug(msg string, args ...any) { l.print(LevelDebug, msg, args) }
func (l *PlainLogger) Info(msg string, args ...any)  { l.print(LevelInfo, msg, args) }
func (l *PlainLogger) Warn(msg string, args ...any)  { l.print(LevelWarn, msg, args) }
func (l *PlainLogger) Error(msg string, args ...any) { l.print(LevelError, msg, args) }

// With returns a logger sharing the writers and appending args
func (l *PlainLogger) With(args ...any) Logger {
	child := *l
	child.fields = l.fields + formatFields(args)
	return &child
}

func (l *PlainLogger) Sync() error     { return nil }
func (l *PlainLogger) Shutdown() error { return nil }
