// Package gfxtest provides helpers for testing code that may melt down.
package gfxtest

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/koru3d/koru/gfx"
)

// Quiet routes the engine log into a null logger whose exit handler
// returns, so a meltdown panics instead of terminating the test binary.
// The previous logger is restored when tb finishes.
func Quiet(tb testing.TB) *test.Hook {
	tb.Helper()
	logger, hook := test.NewNullLogger()
	logger.ExitFunc = func(int) {}
	logger.SetLevel(logrus.DebugLevel)
	gfx.SetLogger(logger)
	tb.Cleanup(func() { gfx.SetLogger(nil) })
	return hook
}

// Meltdown runs fn and returns the *gfx.MeltdownError it caused, or
// nil. Panics other than meltdowns are propagated.
func Meltdown(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var m *gfx.MeltdownError
		e, ok := r.(error)
		if !ok || !errors.As(e, &m) {
			panic(r)
		}
		err = m
	}()
	fn()
	return nil
}
