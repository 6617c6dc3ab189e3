package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
)

func newTestManager(t *testing.T, eng *mockEngine, names ...string) (*Manager, *machine.Library, *registry.Store) {
	t.Helper()
	lib := machine.NewLibrary(t.TempDir())
	for _, name := range names {
		cfg := newTestConfig()
		cfg.ID = ""
		cfg.Name = name
		if _, err := lib.Create(cfg); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}
	logger, _ := test.NewNullLogger()
	store := registry.New(registry.NewMemoryBackend())
	m := NewManager(ManagerConfig{
		Library:     lib,
		Registry:    store,
		Engine:      eng,
		StopTimeout: time.Second,
		Logger:      logrus.NewEntry(logger),
	})
	return m, lib, store
}

func TestManagerController(t *testing.T) {
	m, lib, _ := newTestManager(t, newMockEngine(), "web", "db")

	web, err := m.Controller("web")
	if err != nil {
		t.Fatalf("Controller(web) error = %v", err)
	}
	again, err := m.Controller(web.ID())
	if err != nil || again != web {
		t.Errorf("Controller(id) = %p, %v; want the same controller", again, err)
	}

	if _, err := m.Controller(""); err == nil {
		t.Error("Controller(\"\") succeeded without an active VM")
	}
	if err := lib.SetActive("db"); err != nil {
		t.Fatal(err)
	}
	db, err := m.Controller("")
	if err != nil || db.Model().Name() != "db" {
		t.Fatalf("Controller(active) = %v, %v", db, err)
	}

	if _, err := m.Controller("missing"); !errors.Is(err, machine.ErrNotFound) {
		t.Errorf("Controller(missing) = %v, want ErrNotFound", err)
	}
	if got := m.Controllers(); len(got) != 2 {
		t.Errorf("Controllers() = %d, want 2", len(got))
	}
}

func TestManagerStartsIntoBundle(t *testing.T) {
	eng := newMockEngine()
	m, lib, _ := newTestManager(t, eng, "web")

	c, err := m.Controller("web")
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, c.Start(context.Background())); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p := eng.lastParams()
	if p.Bundle != lib.BundleDir(c.ID()) {
		t.Errorf("bundle = %q, want %q", p.Bundle, lib.BundleDir(c.ID()))
	}
	if want := lib.ImagePath(c.Model().Snapshot(), "root.img"); p.Drives[0].ImagePath != want {
		t.Errorf("root image = %q, want %q", p.Drives[0].ImagePath, want)
	}
}

func TestManagerForwardsRegistryChanges(t *testing.T) {
	m, _, store := newTestManager(t, newMockEngine(), "web")
	ctx := context.Background()

	sub, err := m.Subscribe("web")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	<-sub.Events()

	c, _ := m.Controller("web")
	if _, err := store.AddShare(ctx, c.ID(), t.TempDir()); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Kind != EventRegistryChanged || ev.Entry == nil || len(ev.Entry.SharedDirectories) != 1 {
			t.Errorf("event = %+v, want registry change with one share", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no registry-changed event")
	}
}

func TestManagerDeleteAndShutdown(t *testing.T) {
	m, lib, store := newTestManager(t, newMockEngine(), "web", "db")
	ctx := context.Background()

	web, _ := m.Controller("web")
	db, _ := m.Controller("db")
	for _, c := range []*Controller{web, db} {
		if err := wait(t, c.Start(ctx)); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Delete(ctx, "web"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Delete(running) = %v, want ErrInvalidTransition", err)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, c := range []*Controller{web, db} {
		if got := c.State().Phase; got != PhaseStopped {
			t.Errorf("%s state = %s, want stopped", c.Model().Name(), got)
		}
	}

	if err := m.Delete(ctx, "web"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := lib.Get("web"); !errors.Is(err, machine.ErrNotFound) {
		t.Errorf("Get(web) after delete = %v, want ErrNotFound", err)
	}
	if entry, _ := store.Entry(ctx, web.ID()); entry.Revision != 0 {
		t.Errorf("registry entry kept at revision %d", entry.Revision)
	}
	if got := m.Controllers(); len(got) != 1 || got[0] != db {
		t.Errorf("Controllers() after delete = %v", got)
	}
}
