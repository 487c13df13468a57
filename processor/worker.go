package processor

import (
	"context"
	"io"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/staging"
	"github.com/skroutz/uploader/tus"
)

// Result is the outcome of a single attempt.
type Result int

const (
	// ResultSuccess means the upload is complete.
	ResultSuccess Result = iota
	// ResultRetry means the attempt failed and the job should be attempted
	// again after its backoff delay.
	ResultRetry
	// ResultFailure means the job failed permanently.
	ResultFailure
	// ResultStopped means the attempt was interrupted by its stop signal.
	// It does not count as an attempt.
	ResultStopped
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFailure:
		return "failure"
	case ResultStopped:
		return "stopped"
	}
	return "unknown"
}

// RecordStore persists the record of each job's latest attempt.
type RecordStore interface {
	SaveRecord(r job.Record) error
	RemoveRecord(id string) error
}

// Worker performs single upload attempts.
type Worker struct {
	Records RecordStore
	Staging staging.Store

	// URLStore enables resumption of sessions across attempts if not nil
	URLStore tus.URLStore

	HTTPClient *http.Client
	ChunkSize  int64

	// Headers are added to the protocol requests of every job. The
	// headers of the job take precedence.
	Headers map[string]string

	// Progress, if set, is called with the progress of the running attempt
	// before every chunk.
	Progress func(j *job.Job, progress float64)

	Logger log.Logger
}

// Perform runs one attempt of j. stop is checked before every chunk; once it
// is closed the attempt is abandoned and ResultStopped is returned.
//
// j.Attempts must be the number of previously completed attempts.
func (w *Worker) Perform(stop <-chan struct{}, j *job.Job) Result {
	logger := log.With(w.Logger, "job", j.ID, "upload", j.UploadID)

	if err := j.Validate(); err != nil {
		return w.fail(logger, j, job.ReasonIllegalArgument, err, false)
	}
	staged, err := w.Staging.Exists(j.StagedKey)
	if err != nil {
		return w.handle(logger, j, errors.Wrap(err, "could not reach staging area"))
	}
	if !staged {
		return w.fail(logger, j, job.ReasonUploadFileNotFound,
			errors.Errorf("nothing staged under %s", j.StagedKey), false)
	}

	client, err := tus.NewClient(j.CreationURL, w.URLStore)
	if err != nil {
		return w.fail(logger, j, job.ReasonIllegalArgument, err, false)
	}
	client.HTTPClient = w.HTTPClient
	client.Headers = mergeHeaders(w.Headers, j.Headers)
	if w.ChunkSize > 0 {
		client.ChunkSize = w.ChunkSize
	}

	if err := w.Records.SaveRecord(job.Record{ID: j.ID, Status: job.StatusStarted}); err != nil {
		return w.handle(logger, j, errors.Wrap(err, "could not save record"))
	}

	// Attempts are never cancelled mid-request; stop is honored between
	// chunks only.
	ctx := context.Background()

	stream := &stagedStream{store: w.Staging, key: j.StagedKey}
	upload := &tus.Upload{
		Size:        j.Size,
		Stream:      stream,
		Fingerprint: j.Fingerprint,
		Metadata:    j.Metadata,
	}

	session, err := client.ResumeOrCreate(ctx, upload)
	if err != nil {
		return w.handle(logger, j, err)
	}
	stream.offset = session.Offset
	level.Debug(logger).Log("msg", "session ready", "url", session.URL, "offset", session.Offset)

	for {
		j.Progress = session.Progress()
		w.publish(logger, j)

		select {
		case <-stop:
			session.Finish()
			level.Info(logger).Log("msg", "stopped", "offset", session.Offset)
			err := w.Records.SaveRecord(job.Record{ID: j.ID, Status: job.StatusStopped, Progress: j.Progress})
			if err != nil {
				level.Error(logger).Log("msg", "could not save record", "err", err)
			}
			return ResultStopped
		default:
		}

		n, err := session.UploadChunk(ctx)
		if err != nil {
			session.Finish()
			return w.handle(logger, j, err)
		}
		if n == 0 {
			break
		}
	}

	if err := session.Finish(); err != nil {
		level.Warn(logger).Log("msg", "could not release staged content", "err", err)
	}
	if err := w.Records.RemoveRecord(j.ID); err != nil {
		level.Error(logger).Log("msg", "could not remove record", "err", err)
	}
	level.Info(logger).Log("msg", "upload complete", "url", session.URL, "size", j.Size)
	return ResultSuccess
}

func (w *Worker) publish(logger log.Logger, j *job.Job) {
	err := w.Records.SaveRecord(job.Record{ID: j.ID, Status: job.StatusStarted, Progress: j.Progress})
	if err != nil {
		level.Warn(logger).Log("msg", "could not save progress", "err", err)
	}
	if w.Progress != nil {
		w.Progress(j, j.Progress)
	}
}

// handle classifies err and records the failure.
func (w *Worker) handle(logger log.Logger, j *job.Job, err error) Result {
	var pe *tus.ProtocolError
	switch {
	case errors.As(err, &pe):
		if pe.Retryable {
			return w.fail(logger, j, job.ReasonRecoverableProtocolError, err, true)
		}
		return w.fail(logger, j, job.ReasonUnrecoverableProtocolError, err, false)
	case errors.Is(err, staging.ErrNotFound):
		return w.fail(logger, j, job.ReasonUploadFileNotFound, err, false)
	case errors.Is(err, job.ErrIllegalArgument):
		return w.fail(logger, j, job.ReasonIllegalArgument, err, false)
	default:
		return w.fail(logger, j, job.ReasonIOError, err, true)
	}
}

// fail persists the failure of the attempt. Retryable failures are retried
// only while j's policy allows it.
func (w *Worker) fail(logger log.Logger, j *job.Job, reason job.FailureReason, err error, retryable bool) Result {
	rec := job.Record{
		ID:       j.ID,
		Reason:   job.ReasonPtr(reason),
		Detail:   err.Error(),
		Progress: j.Progress,
	}

	res := ResultFailure
	rec.Status = job.StatusFailedNoRetry
	if retryable && j.Policy.Eligible(j.Attempts) {
		res = ResultRetry
		rec.Status = job.StatusFailedWillRetry
	}

	level.Warn(logger).Log("msg", "attempt failed", "reason", reason, "status", rec.Status,
		"attempts", j.Attempts, "err", err)

	if err := w.Records.SaveRecord(rec); err != nil {
		level.Error(logger).Log("msg", "could not save record", "err", err)
	}
	return res
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 {
		return override
	}
	h := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		h[k] = v
	}
	for k, v := range override {
		h[k] = v
	}
	return h
}

// stagedStream opens the staged content on first read, positioned at offset.
type stagedStream struct {
	store  staging.Store
	key    string
	offset int64
	rc     io.ReadCloser
}

func (s *stagedStream) Read(p []byte) (int, error) {
	if s.rc == nil {
		rc, err := s.store.Open(s.key, s.offset)
		if err != nil {
			return 0, err
		}
		s.rc = rc
	}
	return s.rc.Read(p)
}

func (s *stagedStream) Close() error {
	if s.rc == nil {
		return nil
	}
	return s.rc.Close()
}
