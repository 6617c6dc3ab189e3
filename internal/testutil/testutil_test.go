package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/media"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

func TestConfiguration(t *testing.T) {
	cfg := Configuration("dev")

	caps := hypervisor.NewCapabilities("test", "arm64", nil)
	if errs := machine.Check(cfg, caps); len(errs) > 0 {
		t.Errorf("Check() = %s", machine.FormatValidationErrors(errs))
	}
	if p := cfg.Profile(); len(p.TerminalSerials) != 1 {
		t.Errorf("TerminalSerials = %v, want one", p.TerminalSerials)
	}
}

func TestLibraryAndStore(t *testing.T) {
	lib := Library(t)
	cfg, err := lib.Create(Configuration("dev"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	store := Store(t)
	dir := ShareDir(t, "src")
	if _, err := store.AddShare(context.Background(), cfg.ID, dir); err != nil {
		t.Fatalf("AddShare() error = %v", err)
	}
	shares, err := store.Snapshot(context.Background(), cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 || shares[0].Path != dir {
		t.Errorf("Snapshot() = %v", shares)
	}
}

func TestCreateTestDisk(t *testing.T) {
	tmpDir := t.TempDir()
	diskPath := filepath.Join(tmpDir, "nested", "test.raw")
	sizeMB := int64(10)

	CreateTestDisk(t, diskPath, sizeMB)

	info, err := os.Stat(diskPath)
	if err != nil {
		t.Fatalf("disk file should exist: %v", err)
	}

	// Sparse files report the full size
	expectedBytes := sizeMB * 1024 * 1024
	if info.Size() != expectedBytes {
		t.Errorf("disk size = %d, want %d", info.Size(), expectedBytes)
	}
}

func TestImages(t *testing.T) {
	dir := t.TempDir()

	iso, err := media.Inspect(WriteISO(t, dir, "linux.iso", "LINUX"))
	if err != nil {
		t.Fatalf("Inspect(iso) error = %v", err)
	}
	if iso.Kind != media.KindISO || iso.Label != "LINUX" {
		t.Errorf("Inspect(iso) = %+v", iso)
	}

	ipsw, err := media.Inspect(WriteZip(t, dir, "restore.ipsw", "BuildManifest.plist"))
	if err != nil {
		t.Fatalf("Inspect(ipsw) error = %v", err)
	}
	if ipsw.Kind != media.KindIPSW {
		t.Errorf("Inspect(ipsw).Kind = %s, want ipsw", ipsw.Kind)
	}
}
