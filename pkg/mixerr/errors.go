// Package mixerr defines the error taxonomy shared by the mix pipeline.
// Every failure that crosses a component boundary is a *Error carrying a
// Kind, so callers can decide on retries, HTTP status and user-facing text
// without string matching.
package mixerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure
type Kind string

const (
	KindInvalidSettings        Kind = "invalid_settings"
	KindInsufficientSource     Kind = "insufficient_source_material"
	KindInsufficientCredits    Kind = "insufficient_credits"
	KindUnsupportedTransition  Kind = "unsupported_transition_combination"
	KindEncodingProfileInvalid Kind = "encoding_profile_invalid"
	KindTranscodeFailed        Kind = "transcode_failed"
	KindTranscodeTimeout       Kind = "transcode_timeout"
	KindInputCorrupt           Kind = "input_corrupt"
	KindInterruptedByRestart   Kind = "interrupted_by_restart"
	KindCanceled               Kind = "canceled"
	KindNotFound               Kind = "not_found"
	KindInternal               Kind = "internal"
)

// Sentinel errors, one per kind, for errors.Is checks
var (
	ErrInvalidSettings        = errors.New("invalid settings")
	ErrInsufficientSource     = errors.New("insufficient source material")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrUnsupportedTransition  = errors.New("unsupported transition combination")
	ErrEncodingProfileInvalid = errors.New("encoding profile invalid")
	ErrTranscodeFailed        = errors.New("transcode failed")
	ErrTranscodeTimeout       = errors.New("transcode timed out")
	ErrInputCorrupt           = errors.New("input corrupt")
	ErrInterruptedByRestart   = errors.New("interrupted by restart")
	ErrCanceled               = errors.New("canceled")
	ErrNotFound               = errors.New("not found")
	ErrInternal               = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindInvalidSettings:        ErrInvalidSettings,
	KindInsufficientSource:     ErrInsufficientSource,
	KindInsufficientCredits:    ErrInsufficientCredits,
	KindUnsupportedTransition:  ErrUnsupportedTransition,
	KindEncodingProfileInvalid: ErrEncodingProfileInvalid,
	KindTranscodeFailed:        ErrTranscodeFailed,
	KindTranscodeTimeout:       ErrTranscodeTimeout,
	KindInputCorrupt:           ErrInputCorrupt,
	KindInterruptedByRestart:   ErrInterruptedByRestart,
	KindCanceled:               ErrCanceled,
	KindNotFound:               ErrNotFound,
	KindInternal:               ErrInternal,
}

// Error is a classified failure with operation context
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "generate", "transcode"
	Err  error

	// Diagnostics holds raw tool output for operators. It is never part of
	// Error() or PublicMessage().
	Diagnostics string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New creates a classified error wrapping err
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithDiagnostics attaches operator-only diagnostic output
func (e *Error) WithDiagnostics(diag string) *Error {
	e.Diagnostics = diag
	return e
}

// Retryable reports whether this failure may succeed on another attempt
func (e *Error) Retryable() bool {
	return e.Kind == KindTranscodeFailed || e.Kind == KindTranscodeTimeout
}

// KindOf extracts the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// DiagnosticsOf returns the diagnostics attached anywhere in err's chain
func DiagnosticsOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Diagnostics
	}
	return ""
}

// IsRetryable reports whether a plan-level failure may succeed on retry.
// TranscodeTimeout is retryable; callers bound it to a single retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTranscodeFailed, KindTranscodeTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err to the status code the API reports
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidSettings, KindInsufficientSource, KindUnsupportedTransition, KindEncodingProfileInvalid:
		return http.StatusUnprocessableEntity
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the end-user safe description of err.
// Internal and transcoder failures are reduced to a generic sentence.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindInvalidSettings, KindInsufficientSource, KindInsufficientCredits,
		KindUnsupportedTransition, KindEncodingProfileInvalid, KindNotFound:
		return err.Error()
	case KindTranscodeFailed, KindTranscodeTimeout:
		return "video rendering failed"
	case KindInputCorrupt:
		return "a source clip could not be read"
	case KindInterruptedByRestart:
		return "interrupted by restart, please resubmit"
	case KindCanceled:
		return "canceled"
	default:
		return "internal error"
	}
}
