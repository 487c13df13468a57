package tus

import (
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Upload is a stream of bytes to be uploaded. It must not be modified once
// handed to a Client.
type Upload struct {
	Size int64

	// Stream is read sequentially by Session.UploadChunk. When resuming, the
	// caller positions it at the session's offset before the first chunk.
	Stream io.Reader

	// Fingerprint identifies the content across restarts. An empty
	// fingerprint disables resumption for the upload.
	Fingerprint string

	Metadata map[string]string
}

// Fingerprint derives a fingerprint for content identified by source and of
// the given size.
func Fingerprint(source string, size int64) string {
	return fmt.Sprintf("%s-%d", source, size)
}

// EncodedMetadata returns the Upload-Metadata header value for u. Pairs are
// sorted by key; an empty string means there is no metadata.
func (u *Upload) EncodedMetadata() string {
	if len(u.Metadata) == 0 {
		return ""
	}

	keys := make([]string, 0, len(u.Metadata))
	for k := range u.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(u.Metadata[k])))
	}
	return strings.Join(pairs, ",")
}
