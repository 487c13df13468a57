package tus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// ErrSessionFinished is returned by UploadChunk after Finish.
var ErrSessionFinished = errors.New("tus: session finished")

// Session is an in-progress upload on the server. Offset only ever grows and
// always equals the last offset the server confirmed.
type Session struct {
	URL       *url.URL
	Offset    int64
	ChunkSize int64

	client   *Client
	upload   *Upload
	buf      []byte
	finished bool
}

// Size returns the total size of the upload.
func (s *Session) Size() int64 {
	return s.upload.Size
}

// Progress returns the confirmed offset as a percentage of the size.
func (s *Session) Progress() float64 {
	if s.upload.Size == 0 {
		return 100
	}
	return float64(s.Offset) / float64(s.upload.Size) * 100
}

// UploadChunk reads the next chunk from the upload's stream and transfers it
// starting at Offset. It returns the number of bytes sent, 0 when there is
// nothing left to send.
//
// The stream must already be positioned at Offset.
func (s *Session) UploadChunk(ctx context.Context) (int64, error) {
	if s.finished {
		return 0, ErrSessionFinished
	}

	n := s.upload.Size - s.Offset
	if n <= 0 {
		return 0, nil
	}
	if n > s.ChunkSize {
		n = s.ChunkSize
	}
	if s.upload.Stream == nil {
		return 0, errors.New("tus: upload has no stream")
	}

	if int64(cap(s.buf)) < n {
		s.buf = make([]byte, n)
	}
	chunk := s.buf[:n]
	if _, err := io.ReadFull(s.upload.Stream, chunk); err != nil {
		return 0, errors.Wrapf(err, "could not read chunk at offset %d", s.Offset)
	}

	req, err := s.client.newRequest(ctx, http.MethodPatch, s.URL, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", offsetContentType)
	req.Header.Set("Upload-Offset", strconv.FormatInt(s.Offset, 10))

	res, err := s.client.do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "transfer at offset %d", s.Offset)
	}
	defer discard(res)

	if !isSuccess(res) {
		return 0, unexpectedStatus("transfer", res)
	}

	offset, err := offsetOf(res)
	if err != nil {
		return 0, violation("transfer", "%s", err)
	}
	if offset != s.Offset+n {
		return 0, violation("transfer", "server reported offset %d after sending %d bytes at %d",
			offset, n, s.Offset)
	}

	s.Offset = offset
	return n, nil
}

// Finish releases the upload's stream. It is safe to call more than once;
// only the first call may return an error.
func (s *Session) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.buf = nil

	if c, ok := s.upload.Stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
