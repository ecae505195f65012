package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"compiled/internal/cachekey"
)

// FileStore stores each entry as a file in a directory:
//
//	<dir>/
//	  blobs/
//	    sha256-<digest>
//
// Writes go to a temporary file in the same directory which is then renamed
// over the final name, so readers never observe a partially written entry.
type FileStore struct {
	dir string

	testHookBeforeRename func(f *os.File) error
}

// OpenFileStore opens a store rooted at dir, creating it if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache: empty directory name")
	}
	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o777); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string { return s.dir }

// File returns the path of the entry file for key, whether or not it exists.
func (s *FileStore) File(key cachekey.Key) string {
	return filepath.Join(s.dir, "blobs", "sha256-"+key.Hex())
}

func (s *FileStore) Get(key cachekey.Key) (io.ReadCloser, bool, error) {
	f, err := os.Open(s.File(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (s *FileStore) Add(key cachekey.Key, r io.Reader) (err error) {
	f, err := os.CreateTemp(filepath.Join(s.dir, "blobs"), ".tmp-")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if _, err = io.Copy(f, r); err != nil {
		return err
	}
	if s.testHookBeforeRename != nil {
		if err = s.testHookBeforeRename(f); err != nil {
			return err
		}
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), s.File(key))
}

func (s *FileStore) Delete(key cachekey.Key) error {
	err := os.Remove(s.File(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }
