// Package ulog is a thin wrapper around the standard library's log
// package: plain log.Printf call sites, no structured-logging
// dependency. Each UMPS component builds its own Logger with New; there
// is no package-level logger to replace.
package ulog

import (
	"log"
	"os"
)

// Logger is the minimal surface UMPS's internals log through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type stdLogger struct {
	*log.Logger
	debug bool
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.Printf("debug: "+format, args...)
	}
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.Printf("warn: "+format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.Printf("error: "+format, args...)
}

// New returns a Logger backed by the standard library, writing to
// stderr with the given prefix. Debug-level messages are suppressed
// unless UMPS_DEBUG is set, mirroring a common CLI-flag-free way to
// turn on verbose logging in a library.
func New(prefix string) Logger {
	_, debug := os.LookupEnv("UMPS_DEBUG")
	return &stdLogger{
		Logger: log.New(os.Stderr, prefix+" ", log.LstdFlags|log.Lmicroseconds),
		debug:  debug,
	}
}
