package broker

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrGrantCacheClosed is returned when adding to a closed cache.
var ErrGrantCacheClosed = errors.New("broker: grant cache closed")

// GrantCache is the persisted set of granted archive content hashes. The
// file holds one hash per line and is only ever appended to.
type GrantCache struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	file   *os.File
	grants map[string]struct{}
}

// OpenGrantCache loads the grants in path and opens it for appending.
func OpenGrantCache(path string) (*GrantCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	c := &GrantCache{
		path:   path,
		lock:   flock.New(path + ".lock"),
		grants: make(map[string]struct{}),
	}
	if err := c.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	c.file = f
	return c, nil
}

func (c *GrantCache) load() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			c.grants[line] = struct{}{}
		}
	}
	return scanner.Err()
}

// Has reports whether hash was granted.
func (c *GrantCache) Has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.grants[hash]
	return ok
}

// Add records a grant. Adding an existing grant writes nothing.
func (c *GrantCache) Add(hash string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" || strings.ContainsAny(hash, "\r\n") {
		return errors.New("broker: invalid grant hash")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return ErrGrantCacheClosed
	}
	if _, ok := c.grants[hash]; ok {
		return nil
	}

	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()
	if _, err := c.file.WriteString(hash + "\n"); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return err
	}
	c.grants[hash] = struct{}{}
	return nil
}

// Len returns the number of grants.
func (c *GrantCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.grants)
}

// Close closes the file.
func (c *GrantCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
