package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/notifier"
	"github.com/skroutz/uploader/staging"
	"github.com/skroutz/uploader/uploader"
)

// SubmissionHeader carries the JSON encoded job.Submission of a POST
// /uploads request. The request body is the content to upload.
const SubmissionHeader = "X-Upload-Submission"

const (
	snapshotTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

type API struct {
	Server *http.Server
	Client *uploader.Client
	Logger log.Logger

	upgrader websocket.Upgrader
}

// New returns an API serving c on host:port. If heartbeatPath is not empty,
// it reports whether Redis is reachable.
func New(c *uploader.Client, host string, port int, heartbeatPath string, logger log.Logger) *API {
	as := &API{Client: c, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/uploads", as.uploads)
	mux.HandleFunc("/uploads/watch", as.watch)
	if heartbeatPath != "" {
		mux.HandleFunc(heartbeatPath, as.heartbeat)
	}

	as.Server = &http.Server{Handler: mux, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

func (as *API) uploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		as.submit(w, r)
	case http.MethodGet:
		as.snapshot(w, r)
	default:
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// submit stages the request body and schedules it for upload
func (as *API) submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var sub job.Submission
	if hdr := r.Header.Get(SubmissionHeader); hdr != "" {
		if err := json.Unmarshal([]byte(hdr), &sub); err != nil {
			http.Error(w, "Error parsing submission: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	id, err := as.Client.Submit(r.Body, sub)
	if err != nil {
		var mismatch staging.ErrMimeTypeMismatch
		switch {
		case errors.Is(err, job.ErrIllegalArgument), errors.As(err, &mismatch):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, uploader.ErrStagingUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			level.Error(as.Logger).Log("msg", "Error submitting upload", "err", err)
			http.Error(w, "Error queuing upload: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// snapshot responds with the current state of every upload
func (as *API) snapshot(w http.ResponseWriter, r *http.Request) {
	ch := make(chan notifier.State, 1)
	as.Client.Snapshot(func(s notifier.State) { ch <- s })

	select {
	case s := <-ch:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			level.Warn(as.Logger).Log("msg", "Error writing snapshot", "err", err)
		}
	case <-time.After(snapshotTimeout):
		http.Error(w, "No snapshot available yet", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}

// watch streams every new state over a websocket. Slow clients skip
// intermediate states.
func (as *API) watch(w http.ResponseWriter, r *http.Request) {
	conn, err := as.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already responded
		level.Debug(as.Logger).Log("msg", "Could not upgrade connection", "err", err)
		return
	}
	defer conn.Close()

	states := make(chan notifier.State, 1)
	sub := as.Client.SubscribeUpdates(func(s notifier.State) {
		// keep only the latest state
		select {
		case <-states:
		default:
		}
		select {
		case states <- s:
		default:
		}
	})
	defer as.Client.Unsubscribe(sub)

	// the client is not expected to send anything; reading detects closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case s := <-states:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(s); err != nil {
				level.Debug(as.Logger).Log("msg", "Error writing to websocket", "err", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (as *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := as.Client.Storage.Ping(); err != nil {
		http.Error(w, "Redis is unreachable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
