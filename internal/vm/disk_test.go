package vm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vmctl/internal/machine"
)

func TestEnsureDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "root.img")

	created, err := EnsureDisk(path, 64<<20)
	if err != nil {
		t.Fatalf("EnsureDisk() error = %v", err)
	}
	if !created {
		t.Error("EnsureDisk() created = false for a new image")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("disk image not created: %v", err)
	}
	if info.Size() != 64<<20 {
		t.Errorf("disk size = %d, want %d", info.Size(), 64<<20)
	}

	// Existing images are left alone.
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureDisk(path, 128<<20)
	if err != nil || created {
		t.Fatalf("EnsureDisk(existing) = %v, %v", created, err)
	}
	if data, _ := os.ReadFile(path); string(data) != "data" {
		t.Error("existing disk image was overwritten")
	}
}

func TestEnsureDiskRefusesFormats(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureDisk(filepath.Join(dir, "root.qcow2"), 1<<30); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("EnsureDisk(qcow2) = %v, want ErrResourceUnavailable", err)
	}
	if _, err := EnsureDisk(filepath.Join(dir, "root.img"), 0); !errors.Is(err, ErrConfigurationInvalid) {
		t.Errorf("EnsureDisk(size 0) = %v, want ErrConfigurationInvalid", err)
	}
}

func TestEnsureDisksSkipsRemovable(t *testing.T) {
	dir := t.TempDir()
	cfg := &machine.Configuration{Drives: []machine.Drive{
		{ID: "root", ImagePath: "root.img", Size: 1 << 20},
		{ID: "usb", Removable: true},
	}}
	resolve := func(p string) string { return filepath.Join(dir, p) }

	if err := ensureDisks(cfg, resolve); err != nil {
		t.Fatalf("ensureDisks() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "root.img" {
		t.Errorf("created %v, want only root.img", entries)
	}
}
