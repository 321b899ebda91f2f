package persist

import (
	"fmt"
	"log"
	"os"

	"github.com/mcas-go/pmemkv/internal/build"
)

// Logger wraps the standard library logger with the STARTUP/SHUTDOWN
// bracketing lines and Critical/Severe helpers that every component in
// pmemkv uses to report the spec.md §7 Corruption/Transient error kinds.
type Logger struct {
	*log.Logger
	file *os.File
}

func newLogger(f *os.File) *Logger {
	l := log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	l.Println("STARTUP: pmemkv logger started")
	return &Logger{Logger: l, file: f}
}

// NewFileLogger creates a logger that appends to the file at path, creating
// it if necessary.
func NewFileLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return newLogger(f), nil
}

// NewLogger is an alias kept for call sites that do not care whether the
// destination is a fresh or pre-existing file.
func NewLogger(path string) (*Logger, error) {
	return NewFileLogger(path)
}

// Critical logs a Corruption-class failure: an invariant this package
// depends on has already been violated. After recording the message, it
// delegates to build.Critical so debug builds panic and abort the process,
// per spec.md §7 ("abort the process; the pool is unsafe").
func (l *Logger) Critical(v ...interface{}) {
	l.Logger.Println("CRITICAL:", fmt.Sprintln(v...))
	build.Critical(v...)
}

// Severe logs a Transient-class failure - disk trouble, a failed flush -
// that does not necessarily mean the pool is corrupt.
func (l *Logger) Severe(v ...interface{}) {
	l.Logger.Println("SEVERE:", fmt.Sprintln(v...))
	build.Severe(v...)
}

// Debugln logs a line that is only of interest when diagnosing pmemkv
// itself, not the pool it manages.
func (l *Logger) Debugln(v ...interface{}) {
	l.Logger.Println(append([]interface{}{"DEBUG:"}, v...)...)
}

// Close writes a SHUTDOWN line and closes the underlying file.
func (l *Logger) Close() error {
	l.Logger.Println("SHUTDOWN: pmemkv logger stopped")
	return l.file.Close()
}
