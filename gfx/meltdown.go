package gfx

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var logger atomic.Pointer[log.Logger]

func init() {
	logger.Store(log.StandardLogger())
}

// SetLogger replaces the logger used by the engine. Passing nil restores
// the logrus standard logger.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.StandardLogger()
	}
	logger.Store(l)
}

// Logger returns an entry of the engine logger.
func Logger() *log.Entry {
	return log.NewEntry(logger.Load())
}

// MeltdownError is the engine-level fatal error. It marks setup or
// programmer errors after which the graphics device is unsafe to use.
type MeltdownError struct {
	Op  string
	Err error
}

func (e *MeltdownError) Error() string {
	return fmt.Sprintf("meltdown in %s: %v", e.Op, e.Err)
}

func (e *MeltdownError) Unwrap() error {
	return e.Err
}

// Meltdown logs err with full context at fatal level, which terminates
// the process through the logger's exit handler. When the exit handler
// returns, Meltdown panics with a *MeltdownError instead.
func Meltdown(op string, err error) {
	m := &MeltdownError{Op: op, Err: err}
	Logger().WithError(err).WithField("op", op).Fatal("meltdown")
	panic(m)
}

// Meltdownf is Meltdown with a formatted error.
func Meltdownf(op, format string, args ...interface{}) {
	Meltdown(op, fmt.Errorf(format, args...))
}
