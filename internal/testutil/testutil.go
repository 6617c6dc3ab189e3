// Package testutil provides common test helpers for vmctl tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Configuration returns a small Linux VM configuration named name with one
// builtin serial terminal, a NAT network and a root disk.
func Configuration(name string) *machine.Configuration {
	return &machine.Configuration{
		Name: name,
		Boot: machine.Boot{OS: hypervisor.GuestLinux},
		Resources: machine.Resources{
			CPUs:   2,
			Memory: 1 << 30,
		},
		Serials: []machine.Serial{{
			Mode:     machine.SerialBuiltin,
			Terminal: &machine.Terminal{Columns: 80, Rows: 24},
		}},
		Networks: []machine.Network{{Mode: hypervisor.NetworkNAT}},
		Drives:   []machine.Drive{{ID: "root", ImagePath: "root.img", Size: 64 << 20}},
	}
}

// Library returns a VM library rooted in a temporary directory.
func Library(t *testing.T) *machine.Library {
	t.Helper()
	return machine.NewLibrary(t.TempDir())
}

// Store returns a registry store backed by JSON files in a temporary
// directory, logging to a discarded logger.
func Store(t *testing.T) *registry.Store {
	t.Helper()
	return registry.New(registry.NewFileBackend(t.TempDir()), registry.WithLogger(Logger(t)))
}

// Logger returns a logger that records entries instead of printing them.
func Logger(t *testing.T) *logrus.Entry {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log)
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// WriteISO writes a one-file ISO9660 image with volume label label to
// dir/name and returns its path.
func WriteISO(t *testing.T, dir, name, label string) string {
	t.Helper()
	w, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("iso9660.NewWriter() error = %v", err)
	}
	defer w.Cleanup()
	if err := w.AddFile(bytes.NewReader([]byte("linux /vmlinuz")), "grub.cfg"); err != nil {
		t.Fatalf("add file to ISO: %v", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create ISO: %v", err)
	}
	defer f.Close()
	if err := w.WriteTo(f, label); err != nil {
		t.Fatalf("write ISO: %v", err)
	}
	return path
}

// WriteZip writes a zip archive holding the named files to dir/name and
// returns its path. A restore image carries BuildManifest.plist.
func WriteZip(t *testing.T, dir, name string, files ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.Create(file)
		if err != nil {
			t.Fatalf("add %s to zip: %v", file, err)
		}
		if _, err := w.Write([]byte("<plist/>")); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

// ShareDir creates a directory suitable for sharing and returns its path.
func ShareDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("create share dir: %v", err)
	}
	return dir
}
