package staging

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileSystem stages content as files under RootDir.
type FileSystem struct {
	RootDir string
}

// NewFileSystem returns a FileSystem rooted at rootdir, creating it if needed.
func NewFileSystem(rootdir string) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, errors.Wrap(err, "Could not create staging directory")
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// Put writes r to a temporary file and renames it to key once fully written,
// so that partially staged content is never visible.
func (fs FileSystem) Put(key string, r io.Reader) (int64, error) {
	fulldestpath := path.Join(fs.RootDir, key)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fulldestpath), ".staging-")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return n, err
	}
	if err = tmp.Close(); err != nil {
		return n, err
	}

	return n, os.Rename(tmp.Name(), fulldestpath)
}

// Open opens the file staged under key and seeks it to offset.
func (fs FileSystem) Open(key string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(path.Join(fs.RootDir, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Delete removes a file from the filesystem storage
func (fs FileSystem) Delete(key string) error {
	abspath := path.Join(fs.RootDir, key)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists returns true if the file exists, false otherwise
func (fs FileSystem) Exists(key string) (bool, error) {
	abspath := path.Join(fs.RootDir, key)
	_, err := os.Stat(abspath)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
