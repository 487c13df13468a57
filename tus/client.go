// Package tus implements the client side of the core tus 1.0.0 resumable
// upload protocol: session creation, offset probing and chunked transfer.
package tus

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// ProtocolVersion is sent in the Tus-Resumable header of every request.
	ProtocolVersion = "1.0.0"

	// DefaultChunkSize is used when Client.ChunkSize is not set.
	DefaultChunkSize = 1 << 20

	offsetContentType = "application/offset+octet-stream"
)

// URLStore persists the session URL of each fingerprint. Get returns
// ErrFingerprintNotFound when no usable URL is stored.
type URLStore interface {
	Get(fingerprint string) (*url.URL, error)
	Set(fingerprint string, u *url.URL) error
	Remove(fingerprint string) error
}

// Client creates and resumes upload sessions against a single tus server.
// Resumption is enabled iff Store is not nil.
type Client struct {
	CreationURL *url.URL

	// HTTPClient defaults to http.DefaultClient
	HTTPClient *http.Client

	Store URLStore

	// Headers are added to every request. They cannot override the protocol
	// headers.
	Headers map[string]string

	ChunkSize int64
}

// NewClient returns a Client creating sessions at creationURL.
func NewClient(creationURL string, store URLStore) (*Client, error) {
	u, err := url.Parse(creationURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid creation url")
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("creation url %q is not absolute", creationURL)
	}
	return &Client{CreationURL: u, Store: store, ChunkSize: DefaultChunkSize}, nil
}

// ResumeOrCreate resumes the session previously created for u or, if there
// is none, creates a new one.
func (c *Client) ResumeOrCreate(ctx context.Context, u *Upload) (*Session, error) {
	s, err := c.Resume(ctx, u)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, ErrFingerprintNotFound) {
		return c.Create(ctx, u)
	}
	return nil, err
}

// Resume asks the server for the offset of the session stored for u's
// fingerprint and returns it positioned at the offset the server confirmed.
//
// A session the server no longer accepts results in a non-retryable
// ProtocolError. The stored URL is kept in that case.
func (c *Client) Resume(ctx context.Context, u *Upload) (*Session, error) {
	if c.Store == nil || u.Fingerprint == "" {
		return nil, ErrFingerprintNotFound
	}

	loc, err := c.Store.Get(u.Fingerprint)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodHead, loc, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "resume %s", loc)
	}
	defer discard(res)

	if !isSuccess(res) {
		pe := unexpectedStatus("resume", res)
		pe.Msg = "stale session " + loc.String() + ": " + pe.Msg
		pe.Retryable = false
		return nil, pe
	}

	offset, err := offsetOf(res)
	if err != nil {
		return nil, violation("resume", "%s", err)
	}
	if offset > u.Size {
		return nil, violation("resume", "server offset %d exceeds upload size %d", offset, u.Size)
	}

	return c.newSession(loc, u, offset), nil
}

// Create creates a new session for u. If resumption is enabled the session
// URL is stored under u's fingerprint.
func (c *Client) Create(ctx context.Context, u *Upload) (*Session, error) {
	if c.CreationURL == nil {
		return nil, errors.New("tus: client has no creation url")
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.CreationURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Upload-Length", strconv.FormatInt(u.Size, 10))
	if md := u.EncodedMetadata(); md != "" {
		req.Header.Set("Upload-Metadata", md)
	}

	res, err := c.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "create")
	}
	defer discard(res)

	if !isSuccess(res) {
		return nil, unexpectedStatus("create", res)
	}

	location := res.Header.Get("Location")
	if location == "" {
		return nil, violation("create", "missing Location header in %d response", res.StatusCode)
	}
	loc, err := c.CreationURL.Parse(location)
	if err != nil {
		return nil, violation("create", "invalid Location header %q: %s", location, err)
	}

	if c.Store != nil && u.Fingerprint != "" {
		if err := c.Store.Set(u.Fingerprint, loc); err != nil {
			return nil, errors.Wrap(err, "could not store session url")
		}
	}

	return c.newSession(loc, u, 0), nil
}

func (c *Client) newSession(loc *url.URL, u *Upload, offset int64) *Session {
	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Session{URL: loc, Offset: offset, ChunkSize: chunk, client: c, upload: u}
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build %s request", method)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Tus-Resumable", ProtocolVersion)
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.HTTPClient != nil {
		return c.HTTPClient.Do(req)
	}
	return http.DefaultClient.Do(req)
}

func offsetOf(res *http.Response) (int64, error) {
	h := res.Header.Get("Upload-Offset")
	if h == "" {
		return 0, errors.New("missing Upload-Offset header")
	}
	offset, err := strconv.ParseInt(h, 10, 64)
	if err != nil || offset < 0 {
		return 0, errors.Errorf("invalid Upload-Offset header %q", h)
	}
	return offset, nil
}

// discard drains and closes the body so that the connection can be reused.
func discard(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
