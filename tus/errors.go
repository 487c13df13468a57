package tus

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrFingerprintNotFound is returned by Resume when there is no session to
// resume. It is a control signal rather than a failure: ResumeOrCreate falls
// back to creating a new session.
var ErrFingerprintNotFound = errors.New("fingerprint not found")

// ProtocolError is returned whenever the server's response violates the
// protocol or reports a failure.
type ProtocolError struct {
	// Op is the operation that failed, eg. "create"
	Op string

	// StatusCode of the offending response, 0 if the response itself was fine
	// but its contents were not
	StatusCode int

	Msg string

	// Retryable reports whether repeating the operation later may succeed.
	Retryable bool
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tus: %s: %s (status %d, retryable: %t)", e.Op, e.Msg, e.StatusCode, e.Retryable)
	}
	return fmt.Sprintf("tus: %s: %s (retryable: %t)", e.Op, e.Msg, e.Retryable)
}

// IsRetryable reports whether err is a retryable ProtocolError.
func IsRetryable(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Retryable
}

// unexpectedStatus builds the ProtocolError for a non-2xx response of op.
// Server errors and locked resources are considered transient.
func unexpectedStatus(op string, res *http.Response) *ProtocolError {
	retryable := res.StatusCode >= 500 && res.StatusCode < 600 || res.StatusCode == http.StatusLocked
	return &ProtocolError{
		Op:         op,
		StatusCode: res.StatusCode,
		Msg:        "unexpected status " + res.Status,
		Retryable:  retryable,
	}
}

func violation(op, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

func isSuccess(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
