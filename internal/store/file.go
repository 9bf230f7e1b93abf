package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/warden/internal/plugin/manifest"
)

// stateFile is the document name under each identity's directory.
const stateFile = "state.json"

// FileStore keeps one JSON document per identity under a data directory.
type FileStore struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(owner manifest.IdentityHash) string {
	return filepath.Join(s.dir, string(owner), stateFile)
}

// read returns the owner's document. Called with mu held.
func (s *FileStore) read(owner manifest.IdentityHash) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(s.path(owner))
	if os.IsNotExist(err) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return []byte("{}"), nil
	}
	return data, nil
}

// write replaces the owner's document atomically. Called with mu held.
func (s *FileStore) write(owner manifest.IdentityHash, doc []byte) error {
	p := s.path(owner)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), stateFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, owner manifest.IdentityHash, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(owner)
	if err != nil {
		return nil, false, err
	}
	r := gjson.GetBytes(doc, key)
	if !r.Exists() {
		return nil, false, nil
	}
	return r.Value(), true, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, owner manifest.IdentityHash, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(owner)
	if err != nil {
		return err
	}
	doc, err = sjson.SetBytes(doc, key, value)
	if err != nil {
		return err
	}
	return s.write(owner, doc)
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, owner manifest.IdentityHash, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(owner)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(doc, key).Exists() {
		return nil
	}
	doc, err = sjson.DeleteBytes(doc, key)
	if err != nil {
		return err
	}
	return s.write(owner, doc)
}

// Keys implements Store.
func (s *FileStore) Keys(_ context.Context, owner manifest.IdentityHash) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(owner)
	if err != nil {
		return nil, err
	}
	var keys []string
	gjson.ParseBytes(doc).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
