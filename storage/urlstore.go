package storage

import (
	"net/url"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/uploader/tus"
)

// FingerprintKeyPrefix prefixes the keys of session URLs stored by the
// URLStore returned from Storage.URLStore.
const FingerprintKeyPrefix = "fp:"

// URLStore persists tus session URLs by fingerprint. Empty fingerprints are
// never stored; values that do not parse as absolute URLs are removed the
// first time they are read.
type URLStore struct {
	kv     KV
	logger log.Logger
}

// NewURLStore returns a URLStore on top of kv.
func NewURLStore(kv KV, logger log.Logger) *URLStore {
	return &URLStore{kv: kv, logger: logger}
}

// URLStore returns a URLStore keeping its entries in Redis.
func (s *Storage) URLStore(logger log.Logger) *URLStore {
	return NewURLStore(s.KV(FingerprintKeyPrefix), logger)
}

// Get returns the session URL stored for fingerprint, or
// tus.ErrFingerprintNotFound.
func (s *URLStore) Get(fingerprint string) (*url.URL, error) {
	if fingerprint == "" {
		return nil, tus.ErrFingerprintNotFound
	}

	v, err := s.kv.Get(fingerprint)
	if err == ErrNotFound {
		return nil, tus.ErrFingerprintNotFound
	}
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(v)
	if err == nil && u.IsAbs() {
		return u, nil
	}

	level.Warn(s.logger).Log("msg", "removing invalid session url", "fingerprint", fingerprint, "url", v)
	if err := s.kv.Remove(fingerprint); err != nil {
		return nil, err
	}
	return nil, tus.ErrFingerprintNotFound
}

// Set stores u under fingerprint.
func (s *URLStore) Set(fingerprint string, u *url.URL) error {
	if fingerprint == "" || u == nil {
		return nil
	}
	return s.kv.Set(fingerprint, u.String())
}

// Remove deletes the URL stored under fingerprint.
func (s *URLStore) Remove(fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	return s.kv.Remove(fingerprint)
}
