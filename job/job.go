package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// State represents the host-level state of an upload job.
// For valid values see constants below.
type State string

// The available states of a job as seen by the processor.
const (
	StateScheduled = "Scheduled"
	StateRunning   = "Running"
	StateSucceeded = "Succeeded"
	StateFailed    = "Failed"
)

const (
	// Tag is attached to every upload job. Live job listings are queried
	// by it.
	Tag = "upload"

	// IDTagPrefix prefixes the tag carrying the caller-facing upload id.
	IDTagPrefix = "upload-id:"
)

// ErrIllegalArgument is wrapped by every validation error of this package.
var ErrIllegalArgument = errors.New("illegal argument")

// Job represents a single submitted upload as scheduled by the processor.
//
// A Job is the unit of work: every resubmission of the same upload id
// produces a new Job (with a new ID) that supersedes the previous one.
type Job struct {
	// Auto-generated, unique per submission
	ID string

	// UploadID is the caller-facing id of the upload. Resubmitting an
	// UploadID supersedes any previous job for it.
	UploadID string

	// CreationURL is the tus endpoint new sessions are created at
	CreationURL string

	// StagedKey locates the staged copy of the bytes to upload
	StagedKey string

	Size        int64
	Fingerprint string

	// Metadata is sent along with the creation request.
	Metadata map[string]string

	// Headers are added to every protocol request.
	Headers map[string]string

	Policy Policy

	State State

	// How many attempts have completed, not counting stopped ones
	Attempts int

	// Progress of the most recent attempt, in percent
	Progress float64

	Tags []string
}

// Info is the processor's live view of a job. It is what the notifier
// consumes on every update.
type Info struct {
	ID       string
	State    State
	Tags     []string
	Progress float64
}

// Info returns the live view of j.
func (j *Job) Info() Info {
	return Info{ID: j.ID, State: j.State, Tags: j.Tags, Progress: j.Progress}
}

// Validate checks that j can be attempted at all.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.Wrap(ErrIllegalArgument, "job id cannot be empty")
	}
	if j.UploadID == "" {
		return errors.Wrap(ErrIllegalArgument, "upload id cannot be empty")
	}
	if j.StagedKey == "" {
		return errors.Wrap(ErrIllegalArgument, "staged key must be specified")
	}
	if j.Size < 0 {
		return errors.Wrapf(ErrIllegalArgument, "invalid size %d", j.Size)
	}
	u, err := url.ParseRequestURI(j.CreationURL)
	if err != nil {
		return errors.Wrapf(ErrIllegalArgument, "invalid upload url: %s", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrIllegalArgument, "invalid upload url scheme %q", u.Scheme)
	}
	return j.Policy.Validate()
}

// Tags returns the tags every job for uploadID carries.
func Tags(uploadID string) []string {
	return []string{Tag, IDTagPrefix + uploadID}
}

// UploadIDFromTags extracts the upload id out of a job's tags.
// The second return value is false if no id tag is present.
func UploadIDFromTags(tags []string) (string, bool) {
	for _, t := range tags {
		if strings.HasPrefix(t, IDTagPrefix) {
			return strings.TrimPrefix(t, IDTagPrefix), true
		}
	}
	return "", false
}

// Submission is a caller request for uploading a stream of bytes.
type Submission struct {
	// ID is optional. When given, any previous upload with the same id
	// is superseded.
	ID string `json:"id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// Policy defaults to DefaultPolicy() if nil.
	Policy *Policy `json:"policy,omitempty"`

	// MimeType is an optional pattern the staged content must match,
	// eg. "image/*" or "!text/html".
	MimeType string `json:"mime_type,omitempty"`
}

// UnmarshalJSON is used to populate a submission from the values in
// the provided JSON message.
func (s *Submission) UnmarshalJSON(b []byte) error {
	var tmp map[string]json.RawMessage

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return errors.Wrap(ErrIllegalArgument, err.Error())
	}

	if raw, ok := tmp["id"]; ok {
		if err := json.Unmarshal(raw, &s.ID); err != nil {
			return errors.Wrap(ErrIllegalArgument, "id must be a string")
		}
		if strings.TrimSpace(s.ID) == "" {
			return errors.Wrap(ErrIllegalArgument, "id cannot be blank")
		}
	}

	if raw, ok := tmp["metadata"]; ok {
		if err := json.Unmarshal(raw, &s.Metadata); err != nil {
			return errors.Wrap(ErrIllegalArgument, "metadata must be a dictionary of strings")
		}
		for k := range s.Metadata {
			if k == "" || strings.ContainsAny(k, " ,") {
				return errors.Wrapf(ErrIllegalArgument, "invalid metadata key %q", k)
			}
		}
	}

	if raw, ok := tmp["headers"]; ok {
		if err := json.Unmarshal(raw, &s.Headers); err != nil {
			return errors.Wrap(ErrIllegalArgument, "headers must be a dictionary of strings")
		}
	}

	if raw, ok := tmp["policy"]; ok {
		p := new(Policy)
		if err := json.Unmarshal(raw, p); err != nil {
			return err
		}
		s.Policy = p
	}

	if raw, ok := tmp["mime_type"]; ok {
		if err := json.Unmarshal(raw, &s.MimeType); err != nil {
			return errors.Wrap(ErrIllegalArgument, "mime_type must be a string")
		}
	}

	return nil
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, Upload:%s, URL:%s, Size:%d, State:%s, Attempts:%d}",
		j.ID, j.UploadID, j.CreationURL, j.Size, j.State, j.Attempts)
}
