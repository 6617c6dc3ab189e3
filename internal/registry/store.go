package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmctl/internal/fifo"
)

const defaultMaxRetries = 8

// Store mediates every change to registry entries. Mutations of one key are
// applied in arrival order; different keys proceed concurrently. Each
// mutation is a read-modify-compare-and-swap against the backend, so a
// writer in another process forces a re-read and re-validation rather than
// a lost update.
type Store struct {
	backend    Backend
	queue      *fifo.Queue
	log        *logrus.Entry
	now        func() time.Time
	maxRetries int

	mu        sync.Mutex
	listeners []func(key string, e Entry)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides time.Now for boot history.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		queue:      fifo.New(),
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return s
}

// OnChange registers fn to run after every committed mutation, in commit
// order per key.
func (s *Store) OnChange(fn func(key string, e Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// update applies fn to a copy of the entry and commits it. fn runs again on
// a fresh copy after a revision conflict.
func (s *Store) update(ctx context.Context, key string, fn func(*Entry) error) (Entry, error) {
	var committed Entry
	err := s.queue.Do(ctx, key, func() error {
		for attempt := 0; attempt < s.maxRetries; attempt++ {
			cur, err := s.backend.Load(ctx, key)
			if err != nil {
				return err
			}
			next := cur.Clone()
			if err := fn(&next); err != nil {
				return err
			}
			committed, err = s.backend.CompareAndSwap(ctx, key, cur.Revision, next)
			if errors.Is(err, ErrConflict) {
				s.log.WithFields(logrus.Fields{"vm": key, "attempt": attempt + 1}).Debug("registry conflict, retrying")
				continue
			}
			if err != nil {
				return err
			}
			s.notify(key, committed)
			return nil
		}
		return fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, s.maxRetries)
	})
	return committed, err
}

func (s *Store) notify(key string, e Entry) {
	s.mu.Lock()
	listeners := make([]func(string, Entry), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(key, e.Clone())
	}
}

// Entry returns a copy of the committed entry for key.
func (s *Store) Entry(ctx context.Context, key string) (Entry, error) {
	e, err := s.backend.Load(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	return e.Clone(), nil
}

// Snapshot returns an independent copy of the shared directory list.
func (s *Store) Snapshot(ctx context.Context, key string) ([]SharedDirectory, error) {
	e, err := s.Entry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.SharedDirectories, nil
}

// Drives returns a copy of the removable drive bindings.
func (s *Store) Drives(ctx context.Context, key string) (map[string]DriveBinding, error) {
	e, err := s.Entry(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.RemovableDrives == nil {
		return map[string]DriveBinding{}, nil
	}
	return e.RemovableDrives, nil
}

// AddShare appends dir and returns its index. dir must be an existing
// absolute directory.
func (s *Store) AddShare(ctx context.Context, key, dir string) (int, error) {
	if err := checkDir(dir); err != nil {
		return 0, err
	}
	var index int
	_, err := s.update(ctx, key, func(e *Entry) error {
		e.SharedDirectories = append(e.SharedDirectories, SharedDirectory{Path: filepath.Clean(dir)})
		index = len(e.SharedDirectories) - 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// UpdateShare applies mutate to the share at index.
func (s *Store) UpdateShare(ctx context.Context, key string, index int, mutate func(*SharedDirectory)) error {
	_, err := s.update(ctx, key, func(e *Entry) error {
		if err := checkIndex(e, index); err != nil {
			return err
		}
		share := e.SharedDirectories[index]
		mutate(&share)
		if err := checkDir(share.Path); err != nil {
			return err
		}
		e.SharedDirectories[index] = share
		return nil
	})
	return err
}

// ChangeSharePath points the share at index to dir, keeping its read-only flag.
func (s *Store) ChangeSharePath(ctx context.Context, key string, index int, dir string) error {
	if err := checkDir(dir); err != nil {
		return err
	}
	return s.UpdateShare(ctx, key, index, func(sd *SharedDirectory) {
		sd.Path = filepath.Clean(dir)
	})
}

// RemoveShare deletes the share at index.
func (s *Store) RemoveShare(ctx context.Context, key string, index int) error {
	_, err := s.update(ctx, key, func(e *Entry) error {
		if err := checkIndex(e, index); err != nil {
			return err
		}
		e.SharedDirectories = append(e.SharedDirectories[:index:index], e.SharedDirectories[index+1:]...)
		return nil
	})
	return err
}

// ToggleReadOnly flips the read-only flag of the share at index and returns
// the new value.
func (s *Store) ToggleReadOnly(ctx context.Context, key string, index int) (bool, error) {
	var value bool
	_, err := s.update(ctx, key, func(e *Entry) error {
		if err := checkIndex(e, index); err != nil {
			return err
		}
		e.SharedDirectories[index].ReadOnly = !e.SharedDirectories[index].ReadOnly
		value = e.SharedDirectories[index].ReadOnly
		return nil
	})
	return value, err
}

// BindDrive attaches an image to the removable drive driveID.
func (s *Store) BindDrive(ctx context.Context, key, driveID string, b DriveBinding) error {
	if !filepath.IsAbs(b.ImagePath) {
		return fmt.Errorf("registry: drive image %q must be an absolute path", b.ImagePath)
	}
	if st, err := os.Stat(b.ImagePath); err != nil || st.IsDir() {
		return fmt.Errorf("registry: drive image %q is not a file", b.ImagePath)
	}
	_, err := s.update(ctx, key, func(e *Entry) error {
		if e.RemovableDrives == nil {
			e.RemovableDrives = make(map[string]DriveBinding)
		}
		e.RemovableDrives[driveID] = b
		return nil
	})
	return err
}

// UnbindDrive detaches the image of driveID. Unbinding an empty drive is a no-op.
func (s *Store) UnbindDrive(ctx context.Context, key, driveID string) error {
	_, err := s.update(ctx, key, func(e *Entry) error {
		delete(e.RemovableDrives, driveID)
		return nil
	})
	return err
}

// RecordBoot notes a VM start.
func (s *Store) RecordBoot(ctx context.Context, key string) error {
	_, err := s.update(ctx, key, func(e *Entry) error {
		e.LastBoot = s.now()
		e.BootCount++
		e.CleanShutdown = false
		return nil
	})
	return err
}

// RecordShutdown notes a VM stop.
func (s *Store) RecordShutdown(ctx context.Context, key string, clean bool) error {
	_, err := s.update(ctx, key, func(e *Entry) error {
		e.LastShutdown = s.now()
		e.CleanShutdown = clean
		return nil
	})
	return err
}

// Delete drops the entry for key. Listeners see the deletion as a zero Entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.queue.Do(ctx, key, func() error {
		if err := s.backend.Delete(ctx, key); err != nil {
			return err
		}
		s.notify(key, Entry{})
		return nil
	})
}

// WasUncleanShutdown reports whether the last run ended without a clean
// shutdown being recorded.
func (e Entry) WasUncleanShutdown() bool {
	return e.BootCount > 0 && !e.CleanShutdown
}

// Uptime returns time since last boot, or zero when stopped.
func (e Entry) Uptime() time.Duration {
	if e.LastBoot.IsZero() || !e.LastShutdown.Before(e.LastBoot) {
		return 0
	}
	return time.Since(e.LastBoot)
}

func checkIndex(e *Entry, index int) error {
	if index < 0 || index >= len(e.SharedDirectories) {
		return fmt.Errorf("%w: share %d of %d", ErrStaleIndex, index, len(e.SharedDirectories))
	}
	return nil
}

func checkDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, dir)
	}
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidPath, dir)
	}
	return nil
}
