package staging

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MimeTypeValidationThreshold is how many leading bytes are sniffed.
const MimeTypeValidationThreshold = 3072

// Validator checks the leading bytes of a stream against a list of mime type
// checks. It is not safe for concurrent use.
type Validator struct {
	buffer *bytes.Buffer

	// holds all checks to be done against the bytes written to the buffer
	checks []Check
}

// ErrMimeTypeMismatch is a custom error exposing info on the given failed check.
type ErrMimeTypeMismatch struct {
	check Check
	found string
}

// Check is a glob pattern to be matched against a mime type. negate
// indicates if the check should be handled as a blacklist or a whitelist.
type Check struct {
	check  string
	negate bool
}

// Error returns the error string for the current ErrMimeTypeMismatch.
func (e ErrMimeTypeMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("Expected mime-type not to be (%s) found - (%s)", e.check.check, e.found)
	}
	return fmt.Sprintf("Expected mime-type to be (%s), found (%s)", e.check.check, e.found)
}

// NewValidator returns a Validator performing the checks of pattern, a comma
// separated list of globs, each optionally prefixed by "!".
func NewValidator(pattern string) (*Validator, error) {
	if err := ValidateMimeTypePattern(pattern); err != nil {
		return nil, err
	}

	v := &Validator{buffer: bytes.NewBuffer(make([]byte, 0, MimeTypeValidationThreshold))}
	v.Reset(pattern)
	return v, nil
}

// ValidateMimeTypePattern validates that the checks extracted from pattern
// can be used as glob patterns against mime types.
func ValidateMimeTypePattern(pattern string) error {
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimPrefix(strings.TrimSpace(c), "!")
		if c == "" {
			return fmt.Errorf("Invalid MimeType Pattern, %q", pattern)
		}
		if _, err := filepath.Match(c, "*"); err != nil {
			return fmt.Errorf("Invalid MimeType Pattern, %q", c)
		}
	}
	return nil
}

// Reset reinitializes all checks based on the given pattern.
func (v *Validator) Reset(pattern string) {
	v.checks = nil
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			v.checks = append(v.checks, Check{check: c[1:], negate: true})
			continue
		}
		v.checks = append(v.checks, Check{check: c, negate: false})
	}
	v.buffer.Reset()
}

// Peek reads up to MimeTypeValidationThreshold bytes of r and checks them.
// The returned reader yields the whole of r, including the peeked bytes.
// Any r.Read() errors are returned verbatim.
func (v *Validator) Peek(r io.Reader) (io.Reader, error) {
	v.buffer.Reset()
	_, err := v.buffer.ReadFrom(io.LimitReader(r, MimeTypeValidationThreshold))
	if err != nil {
		return nil, err
	}

	head := append([]byte(nil), v.buffer.Bytes()...)
	if err := v.CheckBuffer(head); err != nil {
		return nil, err
	}
	return io.MultiReader(bytes.NewReader(head), r), nil
}

// CheckBuffer performs mime types checks against the provided byte slice.
func (v *Validator) CheckBuffer(p []byte) error {
	mime := "application/x-empty"
	if len(p) > 0 {
		mime = mimetype.Detect(p).String()
		// drop parameters such as "; charset=utf-8"
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = strings.TrimSpace(mime[:i])
		}
	}

	for _, check := range v.checks {
		if !check.IsValid(mime) {
			return ErrMimeTypeMismatch{check, mime}
		}
	}

	return nil
}

// IsValid validates the given mime string against the current check.
func (c Check) IsValid(mime string) bool {
	// Only error here can be ErrBadPattern, checks for which are place in job creation.
	match, _ := filepath.Match(c.check, mime)
	return match != c.negate
}
