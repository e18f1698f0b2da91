package utils

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel orders log severities; messages below the logger's level are
// dropped.
type LogLevel int

const (
	Debug   LogLevel = 10
	Info    LogLevel = 20
	Warning LogLevel = 30
	Error   LogLevel = 40
)

func (l LogLevel) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARN"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Logger provides leveled key/value logging with a component prefix.
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	out   *log.Logger
}

// NewLogger creates a logger for the named component. Level defaults to
// Info when omitted.
func NewLogger(component string, level ...LogLevel) *Logger {
	lvl := Info
	if len(level) > 0 {
		lvl = level[0]
	}
	return &Logger{
		level: lvl,
		out:   log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags),
	}
}

// SetLogLevel changes the minimum severity that gets written.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Debug logs a debug message with optional key/value pairs.
func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log(Debug, msg, keyvals) }

// Info logs an informational message with optional key/value pairs.
func (l *Logger) Info(msg string, keyvals ...interface{}) { l.log(Info, msg, keyvals) }

// Warn logs a warning message with optional key/value pairs.
func (l *Logger) Warn(msg string, keyvals ...interface{}) { l.log(Warning, msg, keyvals) }

// Error logs an error message with optional key/value pairs.
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log(Error, msg, keyvals) }

func (l *Logger) log(level LogLevel, msg string, keyvals []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
	}
	l.out.Println(b.String())
}
