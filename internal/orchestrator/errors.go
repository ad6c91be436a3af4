package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySource is returned when a request carries no source locator.
	ErrEmptySource = errors.New("source locator is empty")

	// ErrUnknownOutputKind is returned for stream types other than HLS and WebRTC.
	ErrUnknownOutputKind = errors.New("unknown stream type")

	// ErrUnknownOutputMode is returned for encode options other than none, single and multi.
	ErrUnknownOutputMode = errors.New("unknown encode option")

	// ErrSinkUnavailable means an output sink could not hand out an input port.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrShuttingDown is returned by Add once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")

	// ErrSuperseded means the session asking for output is no longer the
	// registered one for its key.
	ErrSuperseded = errors.New("session superseded")
)

// BuildError describes a failed topology build. Reason is either
// ReasonConstructionError or ReasonSinkUnavailable.
type BuildError struct {
	Reason StopReason
	Op     string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func constructionError(op string, err error) *BuildError {
	return &BuildError{Reason: ReasonConstructionError, Op: op, Err: err}
}
