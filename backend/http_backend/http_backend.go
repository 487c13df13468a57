package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second, // was 30 * time.Second
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Backend notifies about a terminal upload by POSTing its callback to a URL.
type Backend struct {
	client  *http.Client
	headers map[string]string
	reports chan job.Callback
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
//
// Recognized keys are "timeout" (seconds) and "headers", an object of
// headers added to every request.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	timeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if v, ok := cfg["timeout"]; ok {
		n, ok := v.(json.Number)
		if !ok {
			return errors.Errorf("timeout must be a number, got %T", v)
		}
		t, err := n.Int64()
		if err != nil {
			return errors.Wrap(err, "invalid timeout")
		}
		timeout = time.Duration(t) * time.Second
	}

	b.headers = make(map[string]string)
	if v, ok := cfg["headers"]; ok {
		hdrs, ok := v.(map[string]interface{})
		if !ok {
			return errors.Errorf("headers must be an object, got %T", v)
		}
		for k, v := range hdrs {
			s, ok := v.(string)
			if !ok {
				return errors.Errorf("header %s must be a string", k)
			}
			b.headers[k] = s
		}
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   timeout, // Larger than Dial + TLS timeouts
	}
	b.reports = make(chan job.Callback)

	return nil
}

// Notify posts cb to url. The outcome is reported to DeliveryReports either
// way.
func (b *Backend) Notify(url string, cb job.Callback) error {
	err := b.post(url, cb)

	cb.Delivered = err == nil
	cb.DeliveryError = ""
	if err != nil {
		cb.DeliveryError = err.Error()
	}
	b.reports <- cb

	return err
}

func (b *Backend) post(url string, cb job.Callback) error {
	payload, err := cb.Bytes()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Errorf("Received Status: %s", res.Status)
	}
	return nil
}

// DeliveryReports returns a channel of emitted callbacks.
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
