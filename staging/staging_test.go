package staging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"testing/iotest"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func TestFileSystem(t *testing.T) {
	fs, err := NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, fs)
}

// TestMinIO runs against the server at UPLOADER_TEST_MINIO_ENDPOINT, e.g.
// a local "minio server" with its default credentials.
func TestMinIO(t *testing.T) {
	endpoint := os.Getenv("UPLOADER_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("UPLOADER_TEST_MINIO_ENDPOINT not set")
	}

	m, err := NewMinIO(endpoint, envOr("UPLOADER_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		envOr("UPLOADER_TEST_MINIO_SECRET_KEY", "minioadmin"),
		envOr("UPLOADER_TEST_MINIO_BUCKET", "uploader-test"), false)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, m)
}

// TestAWSS3 runs against UPLOADER_TEST_S3_BUCKET using the default AWS
// credential chain.
func TestAWSS3(t *testing.T) {
	bucket := os.Getenv("UPLOADER_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("UPLOADER_TEST_S3_BUCKET not set")
	}

	b, err := NewAWSS3(envOr("UPLOADER_TEST_S3_REGION", "eu-west-1"), bucket)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, b)
}

func testStore(t *testing.T, s Store) {
	s.Delete("a/b")

	if exists(t, s, "a/b") {
		t.Error("Expected nothing to be staged")
	}
	if _, err := s.Open("a/b", 0); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	n, err := s.Put("a/b", strings.NewReader("0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("Expected 10 bytes to be staged, got %d", n)
	}
	if !exists(t, s, "a/b") {
		t.Error("Expected content to be staged")
	}

	cases := map[int64]string{0: "0123456789", 4: "456789", 9: "9", 10: "", 15: ""}
	for offset, expected := range cases {
		rc, err := s.Open("a/b", offset)
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != expected {
			t.Errorf("Expected %q at offset %d, got %q", expected, offset, b)
		}
	}

	if err := s.Delete("a/b"); err != nil {
		t.Fatal(err)
	}
	if exists(t, s, "a/b") {
		t.Error("Expected content to be deleted")
	}
	if err := s.Delete("a/b"); err != nil {
		t.Errorf("Expected deleting twice to succeed, got %v", err)
	}
}

func TestFileSystemFailedPutLeavesNothing(t *testing.T) {
	fs, err := NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.Put("k", iotest.TimeoutReader(iotest.OneByteReader(strings.NewReader("abc"))))
	if err == nil {
		t.Fatal("Expected the failing reader's error")
	}
	if exists(t, fs, "k") {
		t.Error("Expected partial content not to be staged")
	}
}

func TestValidator(t *testing.T) {
	cases := []struct {
		pattern string
		content []byte
		valid   bool
	}{
		{"image/png", pngHeader, true},
		{"image/*", jpegHeader, true},
		{"image/jpeg", pngHeader, false},
		{"!image/png", pngHeader, false},
		{"!image/vnd.adobe.photoshop,!image/png", jpegHeader, true},
		{"!text/html, image/*", pngHeader, true},
		{"image/*", []byte("hello world"), false},
		{"text/plain", []byte("hello world"), true},
		{"application/x-empty", nil, true},
	}

	for _, tc := range cases {
		v, err := NewValidator(tc.pattern)
		if err != nil {
			t.Fatal(err)
		}

		r, err := v.Peek(bytes.NewReader(tc.content))
		if tc.valid != (err == nil) {
			t.Errorf("Expected valid=%v for %q, got %v", tc.valid, tc.pattern, err)
			continue
		}
		if err != nil {
			if _, ok := err.(ErrMimeTypeMismatch); !ok {
				t.Errorf("Expected ErrMimeTypeMismatch, got %T", err)
			}
			continue
		}

		b, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(b, tc.content) {
			t.Errorf("Expected Peek to replay the whole content for %q", tc.pattern)
		}
	}
}

func TestValidatorPeekLongStream(t *testing.T) {
	v, err := NewValidator("image/png")
	if err != nil {
		t.Fatal(err)
	}

	content := append(append([]byte(nil), pngHeader...), make([]byte, 3*MimeTypeValidationThreshold)...)
	r, err := v.Peek(iotest.OneByteReader(bytes.NewReader(content)))
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, content) {
		t.Errorf("Expected %d bytes, got %d", len(content), len(b))
	}
}

func TestValidateMimeTypePattern(t *testing.T) {
	cases := map[string]bool{
		"image/*":             true,
		"!image/png,image/*":  true,
		"image/[":             false,
		"":                    false,
		"image/png,,image/*":  false,
		"!":                   false,
	}

	for pattern, valid := range cases {
		err := ValidateMimeTypePattern(pattern)
		if valid != (err == nil) {
			t.Errorf("Expected valid=%v for %q, got %v", valid, pattern, err)
		}
	}
}

func exists(t *testing.T, s Store, key string) bool {
	t.Helper()

	ok, err := s.Exists(key)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
