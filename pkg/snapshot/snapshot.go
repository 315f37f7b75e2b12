// Package snapshot stores and serves the content-addressed blobs that
// subtasks reference through snapshotRef: the coordinator keeps blobs on
// disk keyed by their SHA-256, agents fetch them over HTTP and cache them
// for the duration of a work session.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
)

const defaultMaxBlobBytes = 32 << 20

var (
	// ErrNotFound indicates an unknown snapshot ref.
	ErrNotFound = errors.New("snapshot not found")
	// ErrTooLarge indicates a blob over the configured size limit.
	ErrTooLarge = errors.New("snapshot exceeds size limit")
	// ErrBadRef indicates a ref that is not a lowercase hex SHA-256.
	ErrBadRef = errors.New("snapshot ref must be a hex sha-256")
)

var refPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidRef reports whether ref is a well-formed content address. Anything
// else is refused before it can touch the filesystem.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// Ref returns the content address of a blob.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the coordinator-side blob store: one file per ref under dir.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the blob directory when missing.
func NewStore(cfg config.SnapshotConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot dir must be set")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	maxBytes := cfg.MaxBlobBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBlobBytes
	}
	return &Store{dir: cfg.Dir, maxBytes: maxBytes}, nil
}

// Put writes the blob and returns its ref. Re-putting identical content is a
// no-op returning the same ref.
func (s *Store) Put(data []byte) (string, error) {
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	ref := Ref(data)
	path := s.path(ref)
	if _, err := os.Stat(path); err == nil {
		// Re-putting bumps the mtime so live blobs stay ahead of retention.
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return ref, nil
	}

	// Write-then-rename so a crashed write never leaves a readable partial
	// blob under a valid ref.
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return "", fmt.Errorf("creating snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storing snapshot: %w", err)
	}
	return ref, nil
}

// Get reads one blob by ref.
func (s *Store) Get(ref string) ([]byte, error) {
	if !ValidRef(ref) {
		return nil, ErrBadRef
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", ref, err)
	}
	return data, nil
}

// Has reports whether a blob exists without reading it.
func (s *Store) Has(ref string) bool {
	if !ValidRef(ref) {
		return false
	}
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Prune removes blobs untouched since cutoff and reports how many were
// removed. Only well-formed refs are considered, which keeps in-flight
// "put-*" temp files out of reach.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading snapshot dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !ValidRef(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing snapshot %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.dir, ref)
}
