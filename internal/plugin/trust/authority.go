package trust

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/gjson"
)

// DefaultAuthorityTTL is how long a fetched authority stays fresh.
const DefaultAuthorityTTL = 24 * time.Hour

// ErrAuthorityNotFound is returned by fetchers for unknown names.
var ErrAuthorityNotFound = errors.New("trust: authority not found")

// Authority is a named public key (DER, PKIX).
type Authority struct {
	Name      string
	PublicKey []byte
}

// Fetcher retrieves an authority from a remote trust source.
type Fetcher interface {
	FetchAuthority(ctx context.Context, name string) (*Authority, error)
}

type cachedAuthority struct {
	authority *Authority
	fetched   time.Time
}

type cacheFileEntry struct {
	Public    string `toml:"public"`
	Timestamp int64  `toml:"timestamp"`
}

// AuthorityCache resolves authorities through memory, a local cache file,
// and finally a remote fetch. Successful fetches are persisted.
type AuthorityCache struct {
	// mu guards mem and serializes read-then-rewrite of the cache file.
	mu      sync.Mutex
	mem     map[string]cachedAuthority
	path    string
	ttl     time.Duration
	fetcher Fetcher
	now     func() time.Time
	logger  *slog.Logger
}

// AuthorityCacheOption configures an AuthorityCache.
type AuthorityCacheOption func(*AuthorityCache)

// WithCacheFile persists authorities in a TOML file at path.
func WithCacheFile(path string) AuthorityCacheOption {
	return func(c *AuthorityCache) {
		c.path = path
	}
}

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) AuthorityCacheOption {
	return func(c *AuthorityCache) {
		c.ttl = ttl
	}
}

// WithFetcher sets the remote trust source.
func WithFetcher(f Fetcher) AuthorityCacheOption {
	return func(c *AuthorityCache) {
		c.fetcher = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthorityCacheOption {
	return func(c *AuthorityCache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) AuthorityCacheOption {
	return func(c *AuthorityCache) {
		c.logger = l
	}
}

// NewAuthorityCache creates an authority cache.
func NewAuthorityCache(opts ...AuthorityCacheOption) *AuthorityCache {
	c := &AuthorityCache{
		mem:    make(map[string]cachedAuthority),
		ttl:    DefaultAuthorityTTL,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the authority named name. Any failure is logged and
// reported as a miss.
func (c *AuthorityCache) Fetch(ctx context.Context, name string) (*Authority, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem[name]; ok && c.fresh(e.fetched, now) {
		c.mu.Unlock()
		return e.authority, true
	}
	if e, ok := c.readFileEntry(name); ok && c.fresh(e.fetched, now) {
		c.mem[name] = e
		c.mu.Unlock()
		return e.authority, true
	}
	c.mu.Unlock()

	if c.fetcher == nil {
		return nil, false
	}
	auth, err := c.fetcher.FetchAuthority(ctx, name)
	if err != nil {
		c.logger.Warn("authority fetch failed", "authority", name, "error", err)
		return nil, false
	}

	if err := c.Store(auth); err != nil {
		c.logger.Warn("authority cache write failed", "authority", name, "error", err)
	}
	return auth, true
}

// Store records an authority as freshly fetched, in memory and on disk.
func (c *AuthorityCache) Store(auth *Authority) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem[auth.Name] = cachedAuthority{authority: auth, fetched: now}
	if c.path == "" {
		return nil
	}
	return c.rewriteFile(func(entries map[string]cacheFileEntry) {
		entries[auth.Name] = cacheFileEntry{
			Public:    base64.StdEncoding.EncodeToString(auth.PublicKey),
			Timestamp: now.UnixMilli(),
		}
	})
}

func (c *AuthorityCache) fresh(fetched, now time.Time) bool {
	return now.Sub(fetched) < c.ttl
}

// readFileEntry loads one authority from the cache file. Called with mu held.
func (c *AuthorityCache) readFileEntry(name string) (cachedAuthority, bool) {
	if c.path == "" {
		return cachedAuthority{}, false
	}
	entries, err := c.readFile()
	if err != nil {
		c.logger.Warn("authority cache unreadable", "path", c.path, "error", err)
		return cachedAuthority{}, false
	}
	e, ok := entries[name]
	if !ok {
		return cachedAuthority{}, false
	}
	pub, err := base64.StdEncoding.DecodeString(e.Public)
	if err != nil {
		c.logger.Warn("authority cache entry corrupt", "authority", name)
		return cachedAuthority{}, false
	}
	return cachedAuthority{
		authority: &Authority{Name: name, PublicKey: pub},
		fetched:   time.UnixMilli(e.Timestamp),
	}, true
}

func (c *AuthorityCache) readFile() (map[string]cacheFileEntry, error) {
	entries := make(map[string]cacheFileEntry)
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// rewriteFile applies update to the whole file under a cross-process lock
// and replaces it atomically. Called with mu held.
func (c *AuthorityCache) rewriteFile(update func(map[string]cacheFileEntry)) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	lock := flock.New(c.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock authority cache: %w", err)
	}
	defer lock.Unlock()

	entries, err := c.readFile()
	if err != nil {
		entries = make(map[string]cacheFileEntry)
	}
	update(entries)

	data, err := toml.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// HTTPFetcher fetches authorities from GET <BaseURL>/<name>, which must
// answer with a JSON object carrying "public" (base64 DER).
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// FetchAuthority implements Fetcher.
func (f *HTTPFetcher) FetchAuthority(ctx context.Context, name string) (*Authority, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint, err := url.JoinPath(f.BaseURL, url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAuthorityNotFound, name)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("trust: authority server returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("trust: authority response is not JSON")
	}
	public := gjson.GetBytes(body, "public")
	if !public.Exists() {
		return nil, fmt.Errorf("trust: authority response has no public key")
	}
	pub, err := base64.StdEncoding.DecodeString(public.String())
	if err != nil {
		return nil, fmt.Errorf("trust: authority public key: %w", err)
	}
	return &Authority{Name: name, PublicKey: pub}, nil
}
