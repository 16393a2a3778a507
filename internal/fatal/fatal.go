// Package fatal implements the fail-fast error kind used for conditions a
// correctly driven renderer never reaches: exhausted fixed tables, arena
// overflow, double initialization, lost devices.
//
// Library code reports such conditions with Assert or Panic, which panic with
// an *Error carrying the caller's file and line. The process entry point
// defers Recover, which logs the diagnostic and exits with a non-zero status.
// Driver failures that are returned instead of panicked are wrapped with
// ErrFatal so the same top-level handler treats them alike.
package fatal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// ErrFatal marks an error as unrecoverable.
var ErrFatal = errors.New("fatal")

// Error is the panic value raised by Assert and Panic.
type Error struct {
	File string
	Line int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s:%d: %s: %v", e.File, e.Line, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Unwrap exposes both the cause and ErrFatal to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFatal}
	}
	return []error{e.Err, ErrFatal}
}

// Assert panics with an *Error wrapping cause when cond is false.
func Assert(cond bool, cause error, format string, args ...any) {
	if cond {
		return
	}
	panic(newError(2, cause, format, args...))
}

// Panic unconditionally raises an *Error wrapping cause.
func Panic(cause error, format string, args ...any) {
	panic(newError(2, cause, format, args...))
}

// Wrap marks err as fatal. A nil err stays nil.
func Wrap(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Catch runs fn and returns the *Error it panicked with, or nil if fn
// returned normally. Panics that are not *Error propagate.
func Catch(fn func()) (err *Error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe, ok := r.(*Error)
		if !ok {
			panic(r)
		}
		err = fe
	}()
	fn()
	return nil
}

// Recover is deferred by the process entry point. It logs a fatal panic and
// exits with status 1; any other panic is re-raised.
func Recover(log *slog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	fe, ok := r.(*Error)
	if !ok {
		panic(r)
	}
	Exit(log, fe)
}

// Exit logs err at error level and terminates the process.
func Exit(log *slog.Logger, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Error("fatal", "err", err)
	os.Exit(1)
}

func newError(skip int, cause error, format string, args ...any) *Error {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "???"
	}
	return &Error{
		File: filepath.Base(file),
		Line: line,
		Msg:  fmt.Sprintf(format, args...),
		Err:  cause,
	}
}
