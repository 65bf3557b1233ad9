package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// FileStore is a KeyValueStore persisted as a single JSON document. Writes go
// through a temp file rename so a kill mid-write never corrupts the store.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// NewFileStore loads (or creates) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:   path,
		values: make(map[string]string),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create storage directory for %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &fs.values); err != nil {
			// Corrupt store: start over rather than fail SDK init.
			fs.values = make(map[string]string)
		}
	}
	return fs, nil
}

func (fs *FileStore) Get(key string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.values[key]
	return v, ok
}

func (fs *FileStore) Set(key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.values[key] = value
	return fs.flushLocked()
}

func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.values[key]; !ok {
		return nil
	}
	delete(fs.values, key)
	return fs.flushLocked()
}

func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.values = make(map[string]string)
	return fs.flushLocked()
}

func (fs *FileStore) flushLocked() error {
	data, err := sonic.Marshal(fs.values)
	if err != nil {
		return errors.Wrap(err, "failed to marshal store")
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", fs.path)
	}
	return nil
}
