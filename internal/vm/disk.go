package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/javanstorm/vmctl/internal/machine"
)

// ensureDisks creates a sparse raw image for every fixed drive whose image
// does not exist yet.
func ensureDisks(cfg *machine.Configuration, resolve func(string) string) error {
	for _, d := range cfg.Drives {
		if d.Removable || d.ImagePath == "" {
			continue
		}
		if _, err := EnsureDisk(resolve(d.ImagePath), d.Size); err != nil {
			return fmt.Errorf("drive %s: %w", d.ID, err)
		}
	}
	return nil
}

// EnsureDisk creates a sparse raw disk image of size at path unless a file
// already exists there. It reports whether it created one.
func EnsureDisk(path string, size machine.Size) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat disk image: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".qcow2", ".vmdk", ".vdi":
		return false, fmt.Errorf("disk image %s does not exist and only raw images can be created: %w", path, ErrResourceUnavailable)
	}
	if size == 0 {
		return false, fmt.Errorf("disk image %s does not exist and has no size: %w", path, ErrConfigurationInvalid)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create disk dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return false, fmt.Errorf("create disk image: %w", err)
	}
	defer f.Close()

	// Truncate creates a sparse file on Linux/macOS
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("size disk image: %w", err)
	}
	return true, nil
}
