package machine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLibraryCreateAndGet(t *testing.T) {
	lib := NewLibrary(t.TempDir())

	cfg := testConfig()
	cfg.ID = ""
	created, err := lib.Create(cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("Create() did not assign identity: %+v", created)
	}

	byName, err := lib.Get("dev")
	if err != nil {
		t.Fatalf("Get(name) error = %v", err)
	}
	byID, err := lib.Get(created.ID)
	if err != nil {
		t.Fatalf("Get(id) error = %v", err)
	}
	if byName.ID != byID.ID {
		t.Errorf("Get by name and id disagree: %s vs %s", byName.ID, byID.ID)
	}
	if byName.Resources.Memory != 2<<30 {
		t.Errorf("Memory = %d after round trip, want %d", byName.Resources.Memory, uint64(2<<30))
	}
	if byName.Serials[0].Terminal == nil || byName.Serials[0].Terminal.Columns != 80 {
		t.Errorf("terminal lost in round trip: %+v", byName.Serials[0])
	}

	if _, err := lib.Create(cfg); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create() = %v, want ErrExists", err)
	}
	if _, err := lib.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestLibrarySavesHumanSizes(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	created, err := lib.Create(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(lib.BundleDir(created.ID), configFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "memory: 2GiB") {
		t.Errorf("config.yaml does not store a readable memory size:\n%s", data)
	}
}

func TestLibraryModelPersists(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	created, err := lib.Create(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	m := lib.Model(created)
	if err := m.Apply("resources.cpus", 6); err != nil {
		t.Fatal(err)
	}
	reloaded, err := lib.Load(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Resources.CPUs != 6 {
		t.Errorf("CPUs on disk = %d, want 6", reloaded.Resources.CPUs)
	}
}

func TestLibraryActive(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	a, _ := lib.Create(&Configuration{Name: "a", Resources: Resources{CPUs: 1, Memory: 1 << 30}})
	if _, err := lib.Create(&Configuration{Name: "b", Resources: Resources{CPUs: 1, Memory: 1 << 30}}); err != nil {
		t.Fatal(err)
	}

	if _, err := lib.Resolve(""); err == nil {
		t.Error("Resolve(\"\") without active VM should fail")
	}
	if err := lib.SetActive("a"); err != nil {
		t.Fatal(err)
	}
	got, err := lib.Resolve("")
	if err != nil || got.ID != a.ID {
		t.Fatalf("Resolve(\"\") = %v, %v; want a", got, err)
	}

	list, err := lib.List()
	if err != nil || len(list) != 2 {
		t.Fatalf("List() = %d, %v; want 2", len(list), err)
	}

	if err := lib.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if active, _ := lib.GetActive(); active != "" {
		t.Errorf("active = %q after deleting it", active)
	}
	if _, err := os.Stat(lib.BundleDir(a.ID)); !os.IsNotExist(err) {
		t.Errorf("bundle still present: %v", err)
	}
}

func TestLibraryLock(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	created, err := lib.Create(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	lock, err := lib.Lock(created.ID)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if inUse, err := lib.InUse(created.ID); err != nil || !inUse {
		t.Errorf("InUse() = %v, %v while locked", inUse, err)
	}
	if err := lib.Delete(created.ID); !errors.Is(err, ErrInUse) {
		t.Errorf("Delete() while locked = %v, want ErrInUse", err)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	if inUse, err := lib.InUse(created.ID); err != nil || inUse {
		t.Errorf("InUse() = %v, %v after unlock", inUse, err)
	}
}

func TestImagePath(t *testing.T) {
	lib := NewLibrary("/data")
	cfg := &Configuration{ID: "abc"}
	if got := lib.ImagePath(cfg, "disk.img"); got != filepath.Join("/data", "vms", "abc", "disk.img") {
		t.Errorf("relative ImagePath = %s", got)
	}
	if got := lib.ImagePath(cfg, "/abs/disk.img"); got != "/abs/disk.img" {
		t.Errorf("absolute ImagePath = %s", got)
	}
}
