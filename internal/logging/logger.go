package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// A Logger writes leveled, tagged lines. Derived loggers share the output
// writer and its mutex so lines from different goroutines never interleave.
type Logger struct {
	// Messages above this verbosity are dropped.
	Level

	// Tag names the subsystem and selects per-tag overrides.
	Tag string

	mu  *sync.Mutex
	out io.Writer
}

// DefaultLogger writes to stderr at the level chosen by WRAITH_LOG.
var DefaultLogger = &Logger{Level: Info, mu: new(sync.Mutex), out: os.Stderr}

// WithTag derives a logger for a subsystem, applying any per-tag override.
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{Level: levelFor(tag, l.Level), Tag: tag, mu: l.mu, out: l.out}
}

// WithDefaultLevel derives a logger whose level falls back to the given
// default where no directive overrides it.
func (l *Logger) WithDefaultLevel(level Level) *Logger {
	return &Logger{Level: levelFor(l.Tag, level), Tag: l.Tag, mu: l.mu, out: l.out}
}

// SetDestination redirects this logger's output.
func (l *Logger) SetDestination(out io.Writer) {
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
}

// linePool recycles formatting buffers; most lines fit 256 bytes.
var linePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Log formats and writes one line:
//
//	2006-01-02T15:04:05.000 I [ice] checklist.go:87: message
//
// calldepth locates the caller of the exported helpers.
func (l *Logger) Log(level Level, calldepth int, format string, args ...interface{}) {
	if level > l.Level {
		return
	}

	bp := linePool.Get().(*[]byte)
	line := (*bp)[:0]

	line = append(line, level.ansi()...)
	line = time.Now().AppendFormat(line, "2006-01-02T15:04:05.000")
	line = append(line, ' ', level.Letter(), ' ')
	if l.Tag != "" {
		line = append(line, '[')
		line = append(line, l.Tag...)
		line = append(line, ']', ' ')
	}
	if _, file, lineNo, ok := runtime.Caller(calldepth + 1); ok {
		line = append(line, filepath.Base(file)...)
		line = append(line, ':')
		line = fmt.Appendf(line, "%d", lineNo)
	} else {
		line = append(line, '?')
	}
	line = append(line, ':', ' ')
	line = append(line, ansiReset...)

	line = fmt.Appendf(line, format, args...)
	if n := len(line); n == 0 || line[n-1] != '\n' {
		line = append(line, '\n')
	}

	l.mu.Lock()
	l.out.Write(line)
	l.mu.Unlock()

	*bp = line[:0]
	linePool.Put(bp)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(Error, 1, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.Log(Warn, 1, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(Info, 1, format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.Log(Debug, 1, format, args...)
}

// Trace logs at a numeric verbosity above Debug.
func (l *Logger) Trace(n int, format string, args ...interface{}) {
	l.Log(Level(n), 1, format, args...)
}
