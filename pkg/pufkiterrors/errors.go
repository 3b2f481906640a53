// Package pufkiterrors provides structured error handling for pufkit with
// rich context, stack traces, and error categorization.
//
// Every failure surfaced by the build pipeline carries one of the error
// types below, so callers can decide between aborting the build, aborting a
// single file, or retrying:
//
//	err := pufkiterrors.New(pufkiterrors.ErrorTypeLayout, "duplicate field name").
//	    WithDetail("field", "PUF_CASE_ID").
//	    WithDetail("file", "labels.sas")
//
// Only I/O errors are retryable; layout, schema, and transform errors are
// deterministic and never retried.
package pufkiterrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType categorizes an error for handling strategy and reporting.
type ErrorType string

const (
	// ErrorTypeLayout indicates a malformed label-definition document.
	// Fatal: aborts the build before any conversion starts.
	ErrorTypeLayout ErrorType = "layout_parse"
	// ErrorTypeRecordWidth indicates a record whose width does not match
	// its layout. Per-record: the row is rejected and counted.
	ErrorTypeRecordWidth ErrorType = "record_width"
	// ErrorTypeConversion indicates a file whose rejected-row fraction
	// exceeded tolerance. Fatal for that file.
	ErrorTypeConversion ErrorType = "conversion"
	// ErrorTypeTransform indicates a derived-column rule referencing a
	// column absent from the unified schema, or a dependency cycle.
	// Fatal: aborts the transform pass.
	ErrorTypeTransform ErrorType = "transform"
	// ErrorTypeConfig indicates malformed configuration. Fatal, pre-flight,
	// raised before any input file is touched.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeIO indicates a filesystem read/write failure. Retryable.
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeInternal indicates a bug or unexpected state.
	ErrorTypeInternal ErrorType = "internal"
)

// Error is a structured error with a type, contextual details, and the call
// stack captured at creation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame of the captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value pair to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given type, capturing the call stack.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates an error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error, preserving it as the cause. If err is
// already a structured Error its original stack is kept. Returns nil for a
// nil input.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether the error may succeed on retry. Only I/O
// errors qualify; parse and schema errors are deterministic.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeIO
}

// IsType reports whether err carries the given error type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
