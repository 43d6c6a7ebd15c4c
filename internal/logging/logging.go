// Package logging provides the component-tagged log line convention used
// across every protocol engine (fastboot, mtk.brom, mtk.da, sprd.fdl, ota).
package logging

import (
	"log"
	"os"
)

// Logger writes tagged lines to an underlying *log.Logger. The zero value
// is not usable; construct with New.
type Logger struct {
	tag   string
	inner *log.Logger
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	return &Logger{
		tag:   tag,
		inner: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.inner.Printf("["+l.tag+"] "+format, args...)
}

func (l *Logger) Println(args ...any) {
	all := append([]any{"[" + l.tag + "]"}, args...)
	l.inner.Println(all...)
}
