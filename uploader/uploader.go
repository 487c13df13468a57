// Package uploader is the entry point for callers of the upload service.
//
// A Client stages submitted content, hands it to the processor and keeps an
// aggregate view of every upload up to date, which callers may subscribe to.
package uploader

import (
	"context"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/notifier"
	"github.com/skroutz/uploader/staging"
	"github.com/skroutz/uploader/staging/diskcheck"
	"github.com/skroutz/uploader/storage"
	"github.com/skroutz/uploader/tus"
)

// ErrStagingUnavailable is returned by Submit while the staging disk is
// reported sick.
var ErrStagingUnavailable = errors.New("staging area unavailable")

// DefaultWatchInterval is how often Watch polls the processor by default.
const DefaultWatchInterval = time.Second

type Client struct {
	Storage  *storage.Storage
	Staging  staging.Store
	Notifier *notifier.Notifier

	// CreationURL is the tus endpoint uploads are created at
	CreationURL string

	// WatchInterval is how often Watch polls the processor
	WatchInterval time.Duration

	Logger log.Logger

	// set while the staging disk is sick
	sick int32
}

// New returns a Client uploading to creationURL.
func New(store *storage.Storage, stg staging.Store, creationURL string, logger log.Logger) (*Client, error) {
	u, err := url.Parse(creationURL)
	if err != nil {
		return nil, errors.Wrap(job.ErrIllegalArgument, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(job.ErrIllegalArgument, "invalid creation url %q", creationURL)
	}

	return &Client{
		Storage:       store,
		Staging:       stg,
		Notifier:      notifier.New(store, log.With(logger, "component", "notifier")),
		CreationURL:   creationURL,
		WatchInterval: DefaultWatchInterval,
		Logger:        logger,
	}, nil
}

// Submit stages the contents of src and schedules them for upload. It blocks
// until src is fully staged and returns the id of the upload.
//
// If s carries an id, any previous upload with the same id is superseded.
func (c *Client) Submit(src io.Reader, s job.Submission) (string, error) {
	policy := job.DefaultPolicy()
	if s.Policy != nil {
		policy = *s.Policy
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}

	if s.MimeType != "" {
		v, err := staging.NewValidator(s.MimeType)
		if err != nil {
			return "", errors.Wrap(job.ErrIllegalArgument, err.Error())
		}
		if src, err = v.Peek(src); err != nil {
			return "", err
		}
	}

	if atomic.LoadInt32(&c.sick) == 1 {
		return "", ErrStagingUnavailable
	}

	workID := uuid.New().String()
	uploadID := s.ID
	if uploadID == "" {
		uploadID = workID
	}
	logger := log.With(c.Logger, "upload", uploadID, "job", workID)

	n, err := c.Staging.Put(workID, src)
	if err != nil {
		return "", errors.Wrap(err, "Could not stage content")
	}

	j := job.Job{
		ID:          workID,
		UploadID:    uploadID,
		CreationURL: c.CreationURL,
		StagedKey:   workID,
		Size:        n,
		Fingerprint: tus.Fingerprint(workID, n),
		Metadata:    s.Metadata,
		Headers:     s.Headers,
		Policy:      policy,
		Tags:        job.Tags(uploadID),
	}
	if err := j.Validate(); err != nil {
		c.discard(logger, workID)
		return "", err
	}

	old, err := c.Storage.AddJob(&j)
	if err != nil {
		c.discard(logger, workID)
		return "", err
	}
	if old != "" {
		level.Info(logger).Log("msg", "superseded previous submission", "previous", old)
		c.discard(logger, old)
	}

	// saved after the previous work is gone, so that it is never reported
	// with the metadata of this one
	if err := c.Storage.SaveMetadata(uploadID, s.Metadata); err != nil {
		c.abort(logger, workID)
		return "", err
	}
	if err := c.Storage.QueuePendingUpload(&j, 0); err != nil {
		c.abort(logger, workID)
		return "", err
	}

	level.Info(logger).Log("msg", "submitted", "size", n)
	return uploadID, nil
}

// abort removes a work that could not be fully submitted, along with its
// staged content.
func (c *Client) abort(logger log.Logger, workID string) {
	if err := c.Storage.RemoveJob(workID); err != nil {
		level.Error(logger).Log("msg", "could not remove incomplete submission", "err", err)
	}
	c.discard(logger, workID)
}

func (c *Client) discard(logger log.Logger, key string) {
	if err := c.Staging.Delete(key); err != nil {
		level.Warn(logger).Log("msg", "could not delete staged content", "key", key, "err", err)
	}
}

// Snapshot calls fn with the current state of every upload, or with the
// first one available.
func (c *Client) Snapshot(fn notifier.UpdateListener) {
	c.Notifier.Snapshot(fn)
}

// SubscribeUpdates registers fn to be called with every new state.
func (c *Client) SubscribeUpdates(fn notifier.UpdateListener) notifier.Subscription {
	return c.Notifier.SubscribeUpdates(fn)
}

// SubscribeSuccess registers fn to be called once per succeeded upload.
func (c *Client) SubscribeSuccess(fn notifier.SuccessListener) notifier.Subscription {
	return c.Notifier.SubscribeSuccess(fn)
}

// SubscribeFailure registers fn to be called once per failed upload.
func (c *Client) SubscribeFailure(fn notifier.FailureListener) notifier.Subscription {
	return c.Notifier.SubscribeFailure(fn)
}

// Unsubscribe removes a listener registered through c.
func (c *Client) Unsubscribe(sub notifier.Subscription) {
	c.Notifier.Unsubscribe(sub)
}

// Watch feeds the live listing of the processor to the notifier every
// WatchInterval, until ctx is cancelled.
func (c *Client) Watch(ctx context.Context) {
	interval := c.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		c.Refresh()

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// Refresh feeds the live listing of the processor to the notifier once.
func (c *Client) Refresh() {
	infos, err := c.Storage.JobsByTag(job.Tag)
	if err != nil {
		level.Error(c.Logger).Log("msg", "could not list jobs", "err", err)
		return
	}
	c.Notifier.Update(infos)
}

// MonitorDisk refuses submissions while checker reports the staging disk as
// sick. It blocks until ctx is cancelled.
func (c *Client) MonitorDisk(ctx context.Context, checker diskcheck.Checker) {
	go checker.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case h := <-checker.C():
			var sick int32
			if h == diskcheck.Sick {
				sick = 1
			}
			atomic.StoreInt32(&c.sick, sick)
			level.Warn(c.Logger).Log("msg", "staging disk health changed", "health", h)
		}
	}
}
