package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// ManagerConfig holds configuration for the VM manager.
type ManagerConfig struct {
	// Library holds the VM configurations.
	Library *machine.Library

	// Registry holds the per-VM runtime metadata.
	Registry *registry.Store

	// Engine runs the VMs.
	Engine hypervisor.Engine

	// StopTimeout bounds cooperative stops.
	StopTimeout time.Duration

	Logger *logrus.Entry
}

// Manager keeps one Controller per VM. Controllers share the registry store
// and the engine and nothing else.
type Manager struct {
	cfg ManagerConfig

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a manager and subscribes it to registry changes.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		cfg:         cfg,
		controllers: make(map[string]*Controller),
	}
	cfg.Registry.OnChange(m.registryChanged)
	return m
}

func (m *Manager) registryChanged(id string, e registry.Entry) {
	m.mu.Lock()
	c := m.controllers[id]
	m.mu.Unlock()
	if c != nil {
		c.registryChanged(e)
	}
}

// Controller returns the controller of the VM named or identified by ref,
// or of the active VM when ref is empty. Controllers are created on first use.
func (m *Manager) Controller(ref string) (*Controller, error) {
	cfg, err := m.cfg.Library.Resolve(ref)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[cfg.ID]; ok {
		return c, nil
	}

	lib := m.cfg.Library
	c := NewController(ControllerConfig{
		Model:       lib.Model(cfg),
		Registry:    m.cfg.Registry,
		Engine:      m.cfg.Engine,
		Bundle:      lib.BundleDir(cfg.ID),
		ResolvePath: func(p string) string { return lib.ImagePath(cfg, p) },
		StopTimeout: m.cfg.StopTimeout,
		Logger:      m.cfg.Logger,
	})
	m.controllers[cfg.ID] = c
	return c, nil
}

// Controllers returns the controllers created so far, ordered by VM ID.
func (m *Manager) Controllers() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Subscribe returns the event stream of the VM ref.
func (m *Manager) Subscribe(ref string) (*Subscription, error) {
	c, err := m.Controller(ref)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(), nil
}

// Delete removes a stopped VM: its controller, bundle and registry entry.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	c, err := m.Controller(ref)
	if err != nil {
		return err
	}
	if s := c.State(); s.Active() {
		return invalidTransition("delete", s)
	}
	if err := m.cfg.Library.Delete(c.ID()); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.controllers, c.ID())
	m.mu.Unlock()
	c.Close()

	if err := m.cfg.Registry.Delete(ctx, c.ID()); err != nil {
		return fmt.Errorf("delete registry entry: %w", err)
	}
	return nil
}

// Shutdown force-stops every VM that is not stopped and waits for the stops
// to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	var ops []*Operation
	for _, c := range m.Controllers() {
		if c.State().Active() {
			ops = append(ops, c.RequestStop(ctx, true))
		}
	}

	var errs []error
	for _, op := range ops {
		if err := op.Wait(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
