// Package logging wraps the structured logiface/stumpy stack the
// dispatcher uses for ANR, broken-channel, and dropped-target events.
//
// It exposes a lazily built package-level default logger via Default,
// and a discarding logger via NoOp, both backed by
// github.com/joeycumines/logiface + github.com/joeycumines/stumpy
// rather than a hand-rolled Logger interface.
package logging

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the type the dispatcher depends on; *logiface.Logger[*stumpy.Event]
// satisfies it directly.
type Logger = *logiface.Logger[*stumpy.Event]

var (
	defaultOnce sync.Once
	defaultLog  Logger
)

// Default returns a package-level logger writing newline-delimited
// JSON to stderr, constructed lazily on first use.
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLog = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		)
	})
	return defaultLog
}

// NoOp returns a logger that discards everything, for tests that
// don't want log output on the test runner's stdout/stderr.
func NoOp() Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(discardWriter{})),
	)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
