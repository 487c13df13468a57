package job

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the persisted status of a job's latest attempt.
//
// Note there is no success status: records are deleted once an upload
// succeeds.
type Status string

const (
	StatusStarted         Status = "started"
	StatusStopped         Status = "stopped"
	StatusFailedWillRetry Status = "failed_will_retry"
	StatusFailedNoRetry   Status = "failed_no_retry"
)

// FailureReason classifies why an attempt failed.
type FailureReason int

// The order of the reasons is irrelevant to storage, they are persisted by
// name.
const (
	ReasonIllegalArgument FailureReason = iota
	ReasonUploadFileNotFound
	ReasonRecoverableProtocolError
	ReasonUnrecoverableProtocolError
	ReasonIOError
)

var reasonNames = map[FailureReason]string{
	ReasonIllegalArgument:            "ILLEGAL_ARGUMENT",
	ReasonUploadFileNotFound:         "UPLOAD_FILE_NOT_FOUND",
	ReasonRecoverableProtocolError:   "RECOVERABLE_PROTOCOL_ERROR",
	ReasonUnrecoverableProtocolError: "UNRECOVERABLE_PROTOCOL_ERROR",
	ReasonIOError:                    "IO_ERROR",
}

func (r FailureReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("FailureReason(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r FailureReason) MarshalText() ([]byte, error) {
	if _, ok := reasonNames[r]; !ok {
		return nil, fmt.Errorf("unknown failure reason %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FailureReason) UnmarshalText(b []byte) error {
	parsed, err := ParseFailureReason(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseFailureReason is the inverse of FailureReason.String.
func ParseFailureReason(s string) (FailureReason, error) {
	for r, name := range reasonNames {
		if name == s {
			return r, nil
		}
	}
	return 0, errors.Errorf("unknown failure reason %q", s)
}

// Record is the per-job attempt status that survives restarts.
type Record struct {
	// ID of the job the record belongs to
	ID string

	Status Status

	// Reason is nil unless Status is one of the failed statuses.
	Reason *FailureReason
	Detail string

	// Progress in percent
	Progress float64
}

// Failed reports whether r describes a failed attempt.
func (r Record) Failed() bool {
	return r.Status == StatusFailedWillRetry || r.Status == StatusFailedNoRetry
}

// ReasonPtr is a convenience for building records.
func ReasonPtr(r FailureReason) *FailureReason {
	return &r
}
