// Package registry keeps the durable per-VM runtime metadata that is not
// part of the declarative configuration: shared directories, removable drive
// bindings and boot history.
package registry

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	// ErrStaleIndex is returned when an index no longer addresses an entry,
	// typically because another session removed it. Refresh and retry.
	ErrStaleIndex = errors.New("registry: stale index")

	// ErrConflict is returned by a Backend when the stored revision moved.
	ErrConflict = errors.New("registry: revision conflict")

	// ErrInvalidPath is returned for share paths that are not existing
	// absolute directories.
	ErrInvalidPath = errors.New("registry: invalid share path")
)

// SharedDirectory is a host directory exposed to the guest.
type SharedDirectory struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
}

// DriveBinding attaches an image to a removable drive.
type DriveBinding struct {
	ImagePath string `json:"image_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// Entry is the registry record of one VM.
type Entry struct {
	SharedDirectories []SharedDirectory       `json:"shared_directories"`
	RemovableDrives   map[string]DriveBinding `json:"removable_drives,omitempty"`

	// LastBoot is when the VM was last started.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the VM was last stopped.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of times the VM has booted.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`

	// Revision increases by one on every commit.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	out.SharedDirectories = append([]SharedDirectory(nil), e.SharedDirectories...)
	if e.RemovableDrives != nil {
		out.RemovableDrives = make(map[string]DriveBinding, len(e.RemovableDrives))
		for k, v := range e.RemovableDrives {
			out.RemovableDrives[k] = v
		}
	}
	return out
}

// Backend stores entries with compare-and-swap semantics.
type Backend interface {
	// Load returns the entry for key, or a zero Entry when none exists.
	Load(ctx context.Context, key string) (Entry, error)

	// CompareAndSwap stores next with Revision expected+1 if the stored
	// revision is still expected, and returns the stored entry. It returns
	// ErrConflict otherwise. The write is durable when it returns.
	CompareAndSwap(ctx context.Context, key string, expected uint64, next Entry) (Entry, error)

	// Delete removes the entry for key. Deleting a missing entry is not an error.
	Delete(ctx context.Context, key string) error
}
