// Package notifier aggregates the live job listing of the processor into a
// caller-facing view of every upload and notifies subscribers about it.
//
// Each call to Update recomputes the aggregate State. Uploads reaching a
// terminal state are reported to success/failure listeners exactly once:
// once reported, their metadata is consumed, which also keeps them from being
// reported again by a restarted process.
package notifier

import (
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/storage"
)

// Store holds the records and metadata the Notifier enriches jobs with.
type Store interface {
	GetRecord(id string) (job.Record, error)
	RemoveRecord(id string) error
	GetMetadata(uploadID string) (map[string]string, error)
	CurrentJob(uploadID string) (string, error)

	// ConsumeMetadata deletes the metadata of uploadID unless a work other
	// than workID has become its current one.
	ConsumeMetadata(uploadID, workID string) (bool, error)
}

// Pending is an upload that is scheduled or running.
type Pending struct {
	State    job.State          `json:"state"`
	Progress float64            `json:"progress"`
	Reason   *job.FailureReason `json:"reason,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Metadata map[string]string  `json:"metadata"`
}

// Succeeded is a completed upload.
type Succeeded struct {
	Metadata map[string]string `json:"metadata"`
}

// Failed is an upload that failed permanently.
type Failed struct {
	Reason   *job.FailureReason `json:"reason,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Metadata map[string]string  `json:"metadata"`
}

// State is the aggregate view of every known upload, keyed by upload id.
//
// A State handed to listeners is never modified afterwards.
type State struct {
	Succeeded map[string]Succeeded `json:"succeeded"`
	Pending   map[string]Pending   `json:"pending"`
	Failed    map[string]Failed    `json:"failed"`
}

// Subscription identifies a registered listener.
type Subscription uint64

type (
	UpdateListener  func(s State)
	SuccessListener func(id string, s Succeeded)
	FailureListener func(id string, f Failed)
)

type updateEntry struct {
	sub Subscription
	fn  UpdateListener
}

type successEntry struct {
	sub Subscription
	fn  SuccessListener
}

type failureEntry struct {
	sub Subscription
	fn  FailureListener
}

// Notifier is the aggregator. It is safe for concurrent use.
type Notifier struct {
	store  Store
	logger log.Logger

	mu        sync.Mutex
	state     *State
	nextSub   Subscription
	oneShots  []UpdateListener
	updates   []updateEntry
	successes []successEntry
	failures  []failureEntry
}

// New returns a Notifier with no snapshot. The first call to Update
// produces one.
func New(store Store, logger log.Logger) *Notifier {
	return &Notifier{store: store, logger: logger}
}

type transition struct {
	workID, uploadID string
}

// Update recomputes the aggregate state out of infos, the current listing of
// the processor, and notifies listeners.
func (n *Notifier) Update(infos []job.Info) {
	n.mu.Lock()

	next := State{
		Succeeded: make(map[string]Succeeded),
		Pending:   make(map[string]Pending),
		Failed:    make(map[string]Failed),
	}
	if n.state != nil {
		for id, s := range n.state.Succeeded {
			next.Succeeded[id] = s
		}
		for id, f := range n.state.Failed {
			next.Failed[id] = f
		}
	}

	var succeeded, failed []string
	var consumed []transition

	for _, info := range infos {
		id, ok := job.UploadIDFromTags(info.Tags)
		if !ok {
			level.Warn(n.logger).Log("msg", "job without upload id", "job", info.ID)
			continue
		}

		meta, err := n.store.GetMetadata(id)
		if err == storage.ErrNotFound {
			// already reported
			continue
		}
		if err != nil {
			level.Error(n.logger).Log("msg", "could not fetch metadata", "upload", id, "err", err)
			n.keepPending(&next, id)
			continue
		}

		switch info.State {
		case job.StateScheduled, job.StateRunning:
			p := Pending{State: info.State, Progress: info.Progress, Metadata: meta}
			if rec, ok := n.record(info.ID); ok && isFailure(rec.Status) {
				p.Reason, p.Detail = rec.Reason, rec.Detail
			}
			next.Pending[id] = p

			// resubmitted after failing
			delete(next.Failed, id)
		case job.StateSucceeded:
			if sup, err := n.superseded(info.ID, id); err != nil || sup {
				if err != nil {
					n.keepPending(&next, id)
				}
				continue
			}
			consumed = append(consumed, transition{info.ID, id})
			delete(next.Failed, id)
			if _, ok := next.Succeeded[id]; ok {
				// succeeded before within this process, reported then
				continue
			}
			next.Succeeded[id] = Succeeded{Metadata: meta}
			succeeded = append(succeeded, id)
		case job.StateFailed:
			if sup, err := n.superseded(info.ID, id); err != nil || sup {
				if err != nil {
					n.keepPending(&next, id)
				}
				continue
			}
			consumed = append(consumed, transition{info.ID, id})
			if _, ok := next.Failed[id]; ok {
				continue
			}
			f := Failed{Metadata: meta}
			if rec, ok := n.record(info.ID); ok {
				f.Reason, f.Detail = rec.Reason, rec.Detail
			}
			next.Failed[id] = f
			failed = append(failed, id)
		default:
			level.Warn(n.logger).Log("msg", "unknown job state", "job", info.ID, "state", info.State)
		}
	}

	n.state = &next
	oneShots := n.oneShots
	n.oneShots = nil
	updates := append([]updateEntry(nil), n.updates...)
	successes := append([]successEntry(nil), n.successes...)
	failures := append([]failureEntry(nil), n.failures...)

	n.mu.Unlock()

	for _, t := range consumed {
		ok, err := n.store.ConsumeMetadata(t.uploadID, t.workID)
		if err != nil {
			level.Error(n.logger).Log("msg", "could not remove metadata", "upload", t.uploadID, "err", err)
		} else if !ok {
			level.Info(n.logger).Log("msg", "upload resubmitted while reported, keeping its metadata",
				"upload", t.uploadID, "job", t.workID)
		}
		if err := n.store.RemoveRecord(t.workID); err != nil {
			level.Error(n.logger).Log("msg", "could not remove record", "job", t.workID, "err", err)
		}
	}

	for _, fn := range oneShots {
		fn(next)
	}
	for _, e := range updates {
		e.fn(next)
	}
	for _, id := range succeeded {
		for _, e := range successes {
			e.fn(id, next.Succeeded[id])
		}
	}
	for _, id := range failed {
		for _, e := range failures {
			e.fn(id, next.Failed[id])
		}
	}
}

func (n *Notifier) record(workID string) (job.Record, bool) {
	rec, err := n.store.GetRecord(workID)
	if err != nil {
		if err != storage.ErrNotFound {
			level.Error(n.logger).Log("msg", "could not fetch record", "job", workID, "err", err)
		}
		return job.Record{}, false
	}
	return rec, true
}

// superseded reports whether a newer submission of uploadID replaced workID,
// in which case the metadata belongs to the newer one.
func (n *Notifier) superseded(workID, uploadID string) (bool, error) {
	cur, err := n.store.CurrentJob(uploadID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		level.Error(n.logger).Log("msg", "could not fetch current job", "upload", uploadID, "err", err)
		return false, err
	}
	return cur != workID, nil
}

// keepPending carries the pending entry of id over from the previous state,
// if any, when id could not be looked up in this pass.
func (n *Notifier) keepPending(next *State, id string) {
	if n.state == nil {
		return
	}
	if p, ok := n.state.Pending[id]; ok {
		next.Pending[id] = p
	}
}

func isFailure(s job.Status) bool {
	return s == job.StatusFailedWillRetry || s == job.StatusFailedNoRetry
}

// Snapshot calls fn with the current state. If there is none yet, fn is
// called once, with the state produced by the next Update.
func (n *Notifier) Snapshot(fn UpdateListener) {
	n.mu.Lock()
	state := n.state
	if state == nil {
		n.oneShots = append(n.oneShots, fn)
	}
	n.mu.Unlock()

	if state != nil {
		fn(*state)
	}
}

// SubscribeUpdates registers fn to be called with every new state. If there
// is a state already, fn is called with it immediately.
func (n *Notifier) SubscribeUpdates(fn UpdateListener) Subscription {
	n.mu.Lock()
	sub := n.subscription()
	n.updates = append(n.updates, updateEntry{sub, fn})
	state := n.state
	n.mu.Unlock()

	if state != nil {
		fn(*state)
	}
	return sub
}

// SubscribeSuccess registers fn to be called once for every upload that
// succeeds.
func (n *Notifier) SubscribeSuccess(fn SuccessListener) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := n.subscription()
	n.successes = append(n.successes, successEntry{sub, fn})
	return sub
}

// SubscribeFailure registers fn to be called once for every upload that
// fails permanently.
func (n *Notifier) SubscribeFailure(fn FailureListener) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := n.subscription()
	n.failures = append(n.failures, failureEntry{sub, fn})
	return sub
}

// Unsubscribe removes the listener registered as sub. Unknown subscriptions
// are ignored.
func (n *Notifier) Unsubscribe(sub Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, e := range n.updates {
		if e.sub == sub {
			n.updates = append(n.updates[:i:i], n.updates[i+1:]...)
			return
		}
	}
	for i, e := range n.successes {
		if e.sub == sub {
			n.successes = append(n.successes[:i:i], n.successes[i+1:]...)
			return
		}
	}
	for i, e := range n.failures {
		if e.sub == sub {
			n.failures = append(n.failures[:i:i], n.failures[i+1:]...)
			return
		}
	}
}

// must be called with mu held
func (n *Notifier) subscription() Subscription {
	n.nextSub++
	return n.nextSub
}
