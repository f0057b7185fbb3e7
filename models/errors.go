package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration aborts a run before any sample is processed.
	ErrConfiguration = errors.New("configuration error")
	// ErrShape skips the offending sample.
	ErrShape = errors.New("shape error")
	// ErrWeightsLoad means the checkpoint does not fit the model architecture.
	ErrWeightsLoad = errors.New("weights load error")
	// ErrNumeric skips a sample whose output contains NaN or Inf.
	ErrNumeric = errors.New("numeric error")
	// ErrIO aborts the remaining batch.
	ErrIO = errors.New("io error")
)

type PipelineError struct {
	Kind    error
	Path    string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	msg := e.Kind.Error() + ": " + e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *PipelineError) Is(target error) bool {
	return target == e.Kind
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func newError(kind error, path string, cause error, format string, args ...interface{}) error {
	return &PipelineError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func ConfigError(cause error, format string, args ...interface{}) error {
	return newError(ErrConfiguration, "", cause, format, args...)
}

func ShapeError(path string, format string, args ...interface{}) error {
	return newError(ErrShape, path, nil, format, args...)
}

func WeightsError(path string, cause error, format string, args ...interface{}) error {
	return newError(ErrWeightsLoad, path, cause, format, args...)
}

func NumericError(path string, format string, args ...interface{}) error {
	return newError(ErrNumeric, path, nil, format, args...)
}

func IOError(path string, cause error, format string, args ...interface{}) error {
	return newError(ErrIO, path, cause, format, args...)
}

// IsFatal reports whether err should stop the run rather than skip a sample.
func IsFatal(err error) bool {
	return !errors.Is(err, ErrShape) && !errors.Is(err, ErrNumeric)
}
