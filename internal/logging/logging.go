// Package logging provides the leveled, component-prefixed logger used across
// the simulator. Verbosity follows the CLI convention: 0 silent, 1 normal,
// 2 chatty, 3+ per-step tracing.
package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

// Logger writes component-prefixed lines gated on a verbosity level.
type Logger struct {
	component string
	verbose   int
}

var (
	mu  sync.Mutex
	out = log.New(os.Stderr, "", log.LstdFlags)
)

// SetOutput redirects all loggers, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = log.New(w, "", log.LstdFlags)
}

// New creates a logger for one component at the given verbosity.
func New(component string, verbose int) *Logger {
	return &Logger{component: component, verbose: verbose}
}

// Verbose returns the logger's verbosity level.
func (l *Logger) Verbose() int { return l.verbose }

// Errorf always prints; errors are never gated.
func (l *Logger) Errorf(format string, args ...any) {
	l.printf("ERROR", format, args...)
}

// Infof prints at normal verbosity and above.
func (l *Logger) Infof(format string, args ...any) {
	if l.verbose >= 1 {
		l.printf("INFO", format, args...)
	}
}

// Debugf prints at verbosity 2 and above.
func (l *Logger) Debugf(format string, args ...any) {
	if l.verbose >= 2 {
		l.printf("DEBUG", format, args...)
	}
}

// Tracef prints at verbosity 3 and above.
func (l *Logger) Tracef(format string, args ...any) {
	if l.verbose >= 3 {
		l.printf("TRACE", format, args...)
	}
}

func (l *Logger) printf(level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	out.Printf("[%s] %s "+format, append([]any{l.component, level}, args...)...)
}
