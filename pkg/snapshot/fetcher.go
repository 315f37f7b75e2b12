package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
)

const fetchTimeout = 30 * time.Second

// cacheEntry holds a fetched blob with a timestamp for TTL expiration.
type cacheEntry struct {
	data      []byte
	fetchedAt time.Time
}

// Cache is a thread-safe blob cache with TTL expiration. Expired entries are
// cleaned up lazily on Get, no background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns a cached blob if present and not expired.
func (c *Cache) Get(ref string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[ref]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Expired. Re-check under the write lock: a concurrent Set may have
		// replaced the entry with a fresh one in between.
		c.mu.Lock()
		if current, ok := c.entries[ref]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, ref)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Set stores a blob with the current timestamp.
func (c *Cache) Set(ref string, data []byte) {
	c.mu.Lock()
	c.entries[ref] = &cacheEntry{
		data:      data,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Fetcher is the agent-side snapshot client: it pulls blobs from the
// coordinator and verifies each one against its content address before
// caching it.
type Fetcher struct {
	coordinatorURL string
	meshToken      string
	cache          *Cache
	client         *http.Client
	maxBytes       int64
}

// NewFetcher builds a fetcher against one coordinator.
func NewFetcher(coordinatorURL, meshToken string, cfg config.SnapshotConfig) *Fetcher {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxBytes := cfg.MaxBlobBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBlobBytes
	}
	return &Fetcher{
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		meshToken:      meshToken,
		cache:          NewCache(ttl),
		client:         &http.Client{Timeout: fetchTimeout},
		maxBytes:       maxBytes,
	}
}

// Fetch returns the blob for ref, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if !ValidRef(ref) {
		return nil, ErrBadRef
	}
	if data, ok := f.cache.Get(ref); ok {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.coordinatorURL+"/snapshots/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("building snapshot request: %w", err)
	}
	req.Header.Set("x-mesh-token", f.meshToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("snapshot fetch returned %d for %s", resp.StatusCode, ref)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", ref, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, ref)
	}
	if Ref(data) != ref {
		return nil, fmt.Errorf("snapshot %s failed content verification", ref)
	}

	f.cache.Set(ref, data)
	return data, nil
}
