// Processor is the job-execution host of the uploader. It facilitates the
// processing of upload Jobs.
//
// Jobs are routed through a Redis sorted set scored by the time each job
// becomes ready, which is popped periodically. Every popped job is handed to
// a goroutine running a single Worker attempt, up to a max concurrency limit.
// The outcome of each attempt decides whether the job is retried after its
// backoff delay, requeued as is, or marked as terminal.
//
//   -----------------------------------------
//   |              Processor                |
//   |                                       |
//   |   UploadQueue --> [ W  W  W  W ]      |
//   |        ^               |              |
//   |        |---- retry ----|              |
//   |                        v              |
//   |   JobDeletionQueue <-- terminal       |
//   |                                       |
//   -----------------------------------------
//
// Shutdown is coordinated through a close channel. When the application
// asks the processor to close, every running attempt is signalled to stop
// before its next chunk and requeued.
package processor

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/staging"
	"github.com/skroutz/uploader/stats"
	"github.com/skroutz/uploader/storage"
	"github.com/skroutz/uploader/tus"
)

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var httpTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second, // was 30 * time.Second
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   4 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

const (
	backoffDuration = 1 * time.Second

	//Metric Identifiers
	statsWorkers                   = "workers"                   //Gauge
	statsMaxWorkers                = "maxWorkers"                //Gauge
	statsSpawnedWorkers            = "spawnedWorkers"            //Counter
	statsSucceeded                 = "succeeded"                 //Counter
	statsRetried                   = "retried"                   //Counter
	statsFailures                  = "failures"                  //Counter
	statsStopped                   = "stopped"                   //Counter
	statsDeferred                  = "deferred"                  //Counter
	statsSuperseded                = "superseded"                //Counter
	statsReaperFailures            = "reaperFailures"            //Counter
	statsReaperSuccessfulDeletions = "reaperSuccessfulDeletions" //Counter
)

// NetworkMonitor reports whether the current network is metered. Jobs that
// require an unmetered network are deferred while it is.
type NetworkMonitor interface {
	Metered() bool
}

// StaticNetwork is a NetworkMonitor that never changes.
type StaticNetwork bool

// Metered implements NetworkMonitor.
func (n StaticNetwork) Metered() bool {
	return bool(n)
}

type Processor struct {
	Storage *storage.Storage
	Staging staging.Store
	Worker  *Worker

	// Concurrency is the max number of simultaneous attempts
	Concurrency int

	// PollInterval is how long to wait before polling the queue again
	// when there is no ready job.
	PollInterval time.Duration

	// SupersedeCheckInterval is how often running jobs are checked for
	// having been superseded by a newer submission.
	SupersedeCheckInterval time.Duration

	// Retention is how long terminal jobs are kept before the reaper
	// deletes them.
	Retention time.Duration

	// ReaperSchedule is the cron spec the reaper runs on
	ReaperSchedule string

	Network NetworkMonitor

	// MeteredDelay is how long jobs requiring an unmetered network are
	// deferred while the network is metered.
	MeteredDelay time.Duration

	// Interval between each stats flush
	StatsIntvl time.Duration

	Logger log.Logger

	stats *stats.Stats
}

// New initializes and returns a Processor with sensible defaults, which the
// caller may override before calling Start.
func New(store *storage.Storage, stg staging.Store, logger log.Logger) *Processor {
	client := &http.Client{Transport: httpTransport}

	return &Processor{
		Storage: store,
		Staging: stg,
		Worker: &Worker{
			Records:    store,
			Staging:    stg,
			URLStore:   store.URLStore(log.With(logger, "component", "urlstore")),
			HTTPClient: client,
			ChunkSize:  tus.DefaultChunkSize,
			Logger:     log.With(logger, "component", "worker"),
		},
		Concurrency:            4,
		PollInterval:           backoffDuration,
		SupersedeCheckInterval: 2 * time.Second,
		Retention:              time.Hour,
		ReaperSchedule:         "@every 1m",
		Network:                StaticNetwork(false),
		MeteredDelay:           time.Minute,
		StatsIntvl:             5 * time.Second,
		Logger:                 logger,
		stats:                  stats.New("Processor", 5*time.Second, logger, func(m *expvar.Map) {}),
	}
}

// Start starts p. It blocks until closeCh is signalled, after which it
// waits for running attempts to stop and signals closeCh back.
func (p *Processor) Start(closeCh chan struct{}) {
	level.Info(p.Logger).Log("msg", "Starting...")

	if p.Worker.Progress == nil {
		p.Worker.Progress = p.publishProgress
	}
	p.collectRogueUploads()

	ctx, cancel := context.WithCancel(context.Background())

	reaper := cron.New()
	if _, err := reaper.AddFunc(p.ReaperSchedule, p.reap); err != nil {
		level.Error(p.Logger).Log("msg", "invalid reaper schedule, reaper disabled",
			"schedule", p.ReaperSchedule, "err", err)
	}
	reaper.Start()

	p.stats = stats.New("Processor", p.StatsIntvl, p.Logger,
		func(m *expvar.Map) {
			err := p.Storage.SetStats("processor", m.String(), 2*p.StatsIntvl) // Autoremove stats after 2 times the interval
			if err != nil {
				level.Warn(p.Logger).Log("msg", "Could not report stats", "err", err)
			}
		})
	go p.stats.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.loop(ctx)
	}()

	<-closeCh
	level.Info(p.Logger).Log("msg", "Shutting down...")
	cancel()
	wg.Wait()
	<-reaper.Stop().Done()
	closeCh <- struct{}{}
}

// loop pops ready jobs and spawns a worker goroutine for each one, until ctx
// is cancelled. Running attempts are stopped before it returns.
func (p *Processor) loop(ctx context.Context) {
	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

LOOP:
	for {
		select {
		case <-ctx.Done():
			break LOOP
		case sem <- struct{}{}:
		}

		j, err := p.Storage.PopJob()
		if err != nil {
			<-sem
			switch err {
			case storage.ErrNotFound:
				// superseded while queued
				continue
			case storage.ErrEmptyQueue, storage.ErrRetryLater:
				// noop
			default:
				level.Error(p.Logger).Log("msg", "Error popping job from Redis", "err", err)
			}

			select {
			case <-ctx.Done():
				break LOOP
			case <-time.After(p.PollInterval):
			}
			continue
		}

		if j.Policy.Network == job.NetworkUnmeteredOnly && p.Network != nil && p.Network.Metered() {
			<-sem
			p.stats.Add(statsDeferred, 1)
			if err := p.Storage.QueuePendingUpload(&j, p.MeteredDelay); err != nil {
				level.Error(p.Logger).Log("msg", "Error deferring job", "job", j, "err", err)
			}
			continue
		}

		wg.Add(1)
		go func(j job.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			p.increaseWorkers()
			defer p.stats.Add(statsWorkers, -1)
			p.perform(ctx, &j)
		}(j)
	}

	wg.Wait()
}

func (p *Processor) increaseWorkers() {
	p.stats.Add(statsSpawnedWorkers, 1)
	p.stats.Add(statsWorkers, 1)

	if active := p.stats.Value(statsWorkers); p.stats.Value(statsMaxWorkers) < active {
		max := new(expvar.Int)
		max.Set(active)
		p.stats.Set(statsMaxWorkers, max)
	}
}

// perform runs one attempt of j and applies its outcome.
func (p *Processor) perform(ctx context.Context, j *job.Job) {
	logger := log.With(p.Logger, "job", j.ID, "upload", j.UploadID)

	if p.superseded(logger, j) {
		return
	}
	if err := p.markJobRunning(j); err != nil {
		level.Error(logger).Log("msg", "Error marking job as running", "err", err)
		return
	}

	stop, release := p.stopSignal(ctx, j)
	res := p.Worker.Perform(stop, j)
	release()

	if p.superseded(logger, j) {
		return
	}

	var err error
	switch res {
	case ResultSuccess:
		p.stats.Add(statsSucceeded, 1)
		err = p.markJobSucceeded(j)
	case ResultRetry:
		p.stats.Add(statsRetried, 1)
		err = p.requeueOrFail(j, true)
	case ResultFailure:
		p.stats.Add(statsFailures, 1)
		err = p.requeueOrFail(j, false)
	case ResultStopped:
		// Do not count stopped attempts towards the retry policy
		p.stats.Add(statsStopped, 1)
		err = p.Storage.QueuePendingUpload(j, 0)
	}
	if err != nil {
		level.Error(logger).Log("msg", "Error applying attempt result", "result", res, "err", err)
	}
}

// stopSignal returns a channel closed when ctx is done or j is superseded,
// whichever happens first. release must be called once the attempt is over.
func (p *Processor) stopSignal(ctx context.Context, j *job.Job) (<-chan struct{}, func()) {
	stop := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(p.SupersedeCheckInterval)
		defer tick.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				close(stop)
				return
			case <-tick.C:
				if sup, err := p.Storage.Superseded(j); err == nil && sup {
					close(stop)
					return
				}
			}
		}
	}()

	return stop, func() {
		close(done)
		wg.Wait()
	}
}

// superseded reports whether j has been replaced by a newer submission, in
// which case any of its leftovers are removed.
func (p *Processor) superseded(logger log.Logger, j *job.Job) bool {
	sup, err := p.Storage.Superseded(j)
	if err != nil {
		level.Error(logger).Log("msg", "Error checking supersession", "err", err)
		return false
	}
	if !sup {
		return false
	}

	level.Info(logger).Log("msg", "job superseded, dropping")
	p.stats.Add(statsSuperseded, 1)
	if err := p.Storage.RemoveJob(j.ID); err != nil {
		level.Error(logger).Log("msg", "Error removing superseded job", "err", err)
	}
	if err := p.Staging.Delete(j.StagedKey); err != nil {
		level.Error(logger).Log("msg", "Error deleting staged content", "err", err)
	}
	return true
}

// requeueOrFail counts the failed attempt and queues j again after its
// backoff delay, or marks it as failed.
func (p *Processor) requeueOrFail(j *job.Job, retry bool) error {
	j.Attempts++
	if !retry {
		return p.markJobFailed(j)
	}
	return p.Storage.QueuePendingUpload(j, j.Policy.Delay(j.Attempts))
}

func (p *Processor) markJobRunning(j *job.Job) error {
	j.State = job.StateRunning
	return p.Storage.SaveJob(j)
}

// Marks j as successful, releases its staged content and schedules it for
// deletion
func (p *Processor) markJobSucceeded(j *job.Job) error {
	j.State = job.StateSucceeded
	j.Progress = 100
	if err := p.Storage.SaveJob(j); err != nil {
		return err
	}
	if err := p.Staging.Delete(j.StagedKey); err != nil {
		level.Warn(p.Logger).Log("msg", "Could not delete staged content", "job", j, "err", err)
	}
	return p.Storage.QueueJobForDeletion(j.ID, p.Retention)
}

// Marks j as failed and schedules it for deletion
func (p *Processor) markJobFailed(j *job.Job) error {
	j.State = job.StateFailed
	if err := p.Storage.SaveJob(j); err != nil {
		return err
	}
	return p.Storage.QueueJobForDeletion(j.ID, p.Retention)
}

func (p *Processor) publishProgress(j *job.Job, progress float64) {
	if err := p.Storage.SetProgress(j.ID, progress); err != nil {
		level.Warn(p.Logger).Log("msg", "Could not publish progress", "job", j, "err", err)
	}
}

// collectRogueUploads scans Redis for jobs in the Running state.
// This indicates they are leftover from an interrupted previous run and should get requeued.
func (p *Processor) collectRogueUploads() {
	var rogue []job.Job
	err := p.Storage.ScanJobs(func(j job.Job) {
		if j.State == job.StateRunning {
			rogue = append(rogue, j)
		}
	})
	if err != nil {
		level.Error(p.Logger).Log("msg", "Error scanning Redis for rogue uploads", "err", err)
	}

	for i := range rogue {
		if err := p.Storage.QueuePendingUpload(&rogue[i], 0); err != nil {
			level.Error(p.Logger).Log("msg", "Error queueing rogue upload", "job", rogue[i], "err", err)
		}
	}

	if len(rogue) > 0 {
		level.Info(p.Logger).Log("msg", "Queued rogue uploads", "count", len(rogue))
	}
}

// reap deletes the jobs (along with their staged content) that are due for
// deletion.
func (p *Processor) reap() {
	for {
		j, err := p.Storage.PopRip()
		if err == storage.ErrEmptyQueue || err == storage.ErrRetryLater {
			return
		}
		if err != nil {
			level.Error(p.Logger).Log("msg", "Error popping job from RipQueue", "err", err)
			return
		}

		if err := p.deleteJob(&j); err != nil {
			level.Error(p.Logger).Log("msg", "reaper: Error deleting job", "job", j, "err", err)
			p.stats.Add(statsReaperFailures, 1)
			continue
		}
		p.stats.Add(statsReaperSuccessfulDeletions, 1)
	}
}

func (p *Processor) deleteJob(j *job.Job) error {
	if j.StagedKey != "" {
		if err := p.Staging.Delete(j.StagedKey); err != nil {
			return errors.Wrapf(err, "Could not delete staged content %s", j.StagedKey)
		}
	}
	return p.Storage.RemoveJob(j.ID)
}
