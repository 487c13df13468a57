// Package tustest provides an in-memory tus server for tests.
package tustest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

const basePath = "/files/"

type upload struct {
	length   int64
	metadata string
	data     []byte
}

// Server is a minimal tus 1.0.0 core server keeping uploads in memory.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	uploads     map[string]*upload
	nextID      int
	counts      map[string]int
	patchStatus int
}

// NewServer starts and returns a new Server. The caller should call Close
// when finished.
func NewServer() *Server {
	s := &Server{uploads: make(map[string]*upload), counts: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// CreationURL is the URL uploads are created at.
func (s *Server) CreationURL() string {
	return s.URL + basePath
}

// SetPatchStatus makes every following PATCH fail with status. 0 restores
// normal operation.
func (s *Server) SetPatchStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchStatus = status
}

// Count returns how many requests of method have been served.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

// Data returns the bytes received so far for the n-th created upload
// (1-based).
func (s *Server) Data(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[strconv.Itoa(n)]
	if !ok {
		return nil
	}
	return append([]byte(nil), u.data...)
}

// Metadata returns the Upload-Metadata header the n-th upload was created
// with.
func (s *Server) Metadata(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.uploads[strconv.Itoa(n)]; ok {
		return u.metadata
	}
	return ""
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[r.Method]++
	w.Header().Set("Tus-Resumable", "1.0.0")

	if r.Header.Get("Tus-Resumable") != "1.0.0" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == basePath {
		length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
		if err != nil || length < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.nextID++
		id := strconv.Itoa(s.nextID)
		s.uploads[id] = &upload{length: length, metadata: r.Header.Get("Upload-Metadata")}
		w.Header().Set("Location", basePath+id)
		w.WriteHeader(http.StatusCreated)
		return
	}

	u, ok := s.uploads[strings.TrimPrefix(r.URL.Path, basePath)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Upload-Offset", strconv.Itoa(len(u.data)))
		w.Header().Set("Upload-Length", strconv.FormatInt(u.length, 10))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	case http.MethodPatch:
		if s.patchStatus != 0 {
			w.WriteHeader(s.patchStatus)
			return
		}
		if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if r.Header.Get("Upload-Offset") != strconv.Itoa(len(u.data)) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if int64(len(u.data)+len(b)) > u.length {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		u.data = append(u.data, b...)
		w.Header().Set("Upload-Offset", strconv.Itoa(len(u.data)))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
