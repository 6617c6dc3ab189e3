package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 10 * time.Millisecond

// FileBackend stores one JSON file per key under a directory. Writes go to
// a temporary file that is synced and renamed over the old one; a file lock
// serializes writers across processes.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("registry: invalid key %q", key)
	}
	return filepath.Join(b.dir, key+".json"), nil
}

func (b *FileBackend) Load(ctx context.Context, key string) (Entry, error) {
	path, err := b.path(key)
	if err != nil {
		return Entry{}, err
	}
	return readEntry(path)
}

func readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read registry entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("parse registry entry %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

func (b *FileBackend) CompareAndSwap(ctx context.Context, key string, expected uint64, next Entry) (Entry, error) {
	path, err := b.path(key)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return Entry{}, fmt.Errorf("create registry dir: %w", err)
	}

	unlock, err := b.lock(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	cur, err := readEntry(path)
	if err != nil {
		return Entry{}, err
	}
	if cur.Revision != expected {
		return Entry{}, fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, key, cur.Revision, expected)
	}

	next.Revision = expected + 1
	if err := writeFileSync(path, next); err != nil {
		return Entry{}, err
	}
	return next, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(b.dir); os.IsNotExist(err) {
		return nil
	}
	unlock, err := b.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	// The lock file stays so that every writer locks the same inode.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registry entry: %w", err)
	}
	return nil
}

func (b *FileBackend) lock(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock registry entry: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock registry entry: %w", ctx.Err())
	}
	return func() { fl.Unlock() }, nil
}

// writeFileSync writes e to path so that a crash leaves either the old or
// the new content.
func writeFileSync(path string, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write registry entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write registry entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync registry entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write registry entry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit registry entry: %w", err)
	}

	// Persist the rename itself.
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nil
	}
	defer dir.Close()
	dir.Sync()
	return nil
}

// MemoryBackend keeps entries in memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Load(ctx context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[key].Clone(), nil
}

func (b *MemoryBackend) CompareAndSwap(ctx context.Context, key string, expected uint64, next Entry) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.entries[key]; cur.Revision != expected {
		return Entry{}, fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, key, cur.Revision, expected)
	}
	next = next.Clone()
	next.Revision = expected + 1
	b.entries[key] = next
	return next.Clone(), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
