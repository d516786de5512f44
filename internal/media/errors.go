package media

import (
	"context"
	"errors"
	"fmt"
)

// Stage signals shared by every backend.
var (
	// ErrAgain means the stage needs more input before it can produce output.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrTerminal is returned when input is sent to a stage that was flushed.
	ErrTerminal = errors.New("stage already flushed")

	// ErrSaturated is returned by FilterGraph.Push when frames must be
	// pulled before another frame can be accepted.
	ErrSaturated = errors.New("filter graph saturated")

	// ErrNoAudioStream indicates the source carries no audio track.
	ErrNoAudioStream = errors.New("no audio stream found")

	// ErrUnavailable indicates the backend was not compiled in.
	ErrUnavailable = errors.New("backend not available in this build")
)

// Kind classifies pipeline failures.
type Kind string

// Error kinds.
const (
	KindOpenInput     Kind = "open_input"
	KindNoAudioStream Kind = "no_audio_stream"
	KindDecoderInit   Kind = "decoder_init"
	KindEncoderInit   Kind = "encoder_init"
	KindFilterGraph   Kind = "filter_graph"
	KindDecode        Kind = "decode"
	KindEncode        Kind = "encode"
	KindMux           Kind = "mux"
	KindNetwork       Kind = "network"
	KindConfig        Kind = "config"
	KindCanceled      Kind = "canceled"
	KindUnknown       Kind = "unknown"
)

// ExitCode returns the process exit code for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindOpenInput:
		return 10
	case KindNoAudioStream:
		return 11
	case KindDecoderInit:
		return 12
	case KindEncoderInit:
		return 13
	case KindFilterGraph:
		return 14
	case KindDecode:
		return 15
	case KindEncode:
		return 16
	case KindMux:
		return 17
	case KindNetwork:
		return 20
	case KindCanceled:
		return 130
	default:
		return 1
	}
}

// Setup reports whether the kind is a setup failure, raised before any
// output bytes exist.
func (k Kind) Setup() bool {
	switch k {
	case KindOpenInput, KindNoAudioStream, KindDecoderInit, KindEncoderInit, KindFilterGraph:
		return true
	}
	return false
}

// Error wraps a failure with the pipeline stage that produced it.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error. A nil err yields nil.
func NewError(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of the first Error in err's chain. Context
// cancellation maps to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// StageOf returns the stage of the first Error in err's chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
