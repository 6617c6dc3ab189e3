package machine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	lockFileName   = ".lock"
)

// Library errors
var (
	ErrNotFound = errors.New("VM not found")
	ErrExists   = errors.New("VM already exists")
	ErrInUse    = errors.New("VM is in use by another process")
)

// Library manages VM bundles on disk. Each bundle is a directory named by
// the VM's ID holding config.yaml plus engine-owned files.
type Library struct {
	baseDir    string
	vmsDir     string
	activePath string
}

// NewLibrary creates a library rooted at baseDir.
func NewLibrary(baseDir string) *Library {
	return &Library{
		baseDir:    baseDir,
		vmsDir:     filepath.Join(baseDir, "vms"),
		activePath: filepath.Join(baseDir, "active"),
	}
}

// BundleDir returns the directory of the VM with id.
func (l *Library) BundleDir(id string) string {
	return filepath.Join(l.vmsDir, id)
}

// ImagePath resolves a drive image path; relative paths live in the bundle.
func (l *Library) ImagePath(cfg *Configuration, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.BundleDir(cfg.ID), path)
}

// Create assigns an ID to cfg, creates its bundle and saves it.
func (l *Library) Create(cfg *Configuration) (*Configuration, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("create VM: %w: name is required", ErrInvalidValue)
	}
	existing, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, vm := range existing {
		if vm.Name == cfg.Name {
			return nil, fmt.Errorf("%w: %s", ErrExists, cfg.Name)
		}
	}

	out := cfg.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = time.Now()

	if err := os.MkdirAll(l.BundleDir(out.ID), 0755); err != nil {
		return nil, fmt.Errorf("create VM bundle: %w", err)
	}
	if err := l.Save(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Save writes cfg to its bundle atomically.
func (l *Library) Save(cfg *Configuration) error {
	dir := l.BundleDir(cfg.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create VM bundle: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write atomically
	path := filepath.Join(dir, configFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load reads the configuration of the VM with id.
func (l *Library) Load(id string) (*Configuration, error) {
	data, err := os.ReadFile(filepath.Join(l.BundleDir(id), configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", id, err)
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	return &cfg, nil
}

// List returns every VM, oldest first.
func (l *Library) List() ([]*Configuration, error) {
	entries, err := os.ReadDir(l.vmsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read library: %w", err)
	}

	var out []*Configuration
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := l.Load(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Get returns the VM whose name or ID is ref.
func (l *Library) Get(ref string) (*Configuration, error) {
	vms, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Name == ref || vm.ID == ref {
			return vm, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Resolve returns the VM named ref, or the active VM when ref is empty.
func (l *Library) Resolve(ref string) (*Configuration, error) {
	if ref != "" {
		return l.Get(ref)
	}
	active, err := l.GetActive()
	if err != nil {
		return nil, err
	}
	if active == "" {
		return nil, errors.New("no VM given and no active VM set (use 'vmctl use NAME')")
	}
	return l.Get(active)
}

// Delete removes the VM and its bundle. A VM held by another process is refused.
func (l *Library) Delete(ref string) error {
	cfg, err := l.Get(ref)
	if err != nil {
		return err
	}
	lock, err := l.Lock(cfg.ID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.RemoveAll(l.BundleDir(cfg.ID)); err != nil {
		return fmt.Errorf("remove VM bundle: %w", err)
	}

	// Clear active if this was the active VM
	active, _ := l.GetActive()
	if active == cfg.Name || active == cfg.ID {
		l.ClearActive()
	}
	return nil
}

// SetActive sets the active VM.
func (l *Library) SetActive(ref string) error {
	cfg, err := l.Get(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(l.activePath, []byte(cfg.ID), 0644); err != nil {
		return fmt.Errorf("write active file: %w", err)
	}
	return nil
}

// GetActive returns the ID of the active VM, or "" when none is set.
func (l *Library) GetActive() (string, error) {
	data, err := os.ReadFile(l.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read active file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearActive removes the active VM setting.
func (l *Library) ClearActive() error {
	if err := os.Remove(l.activePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active file: %w", err)
	}
	return nil
}

// Lock takes the bundle lock of the VM with id. The holder is the only
// process allowed to run the VM. Returns ErrInUse when another process holds it.
func (l *Library) Lock(id string) (*flock.Flock, error) {
	dir := l.BundleDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create VM bundle: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock VM %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInUse, id)
	}
	return lock, nil
}

// InUse reports whether another process holds the bundle lock.
func (l *Library) InUse(id string) (bool, error) {
	lock, err := l.Lock(id)
	if errors.Is(err, ErrInUse) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, lock.Unlock()
}

// Model wraps cfg in a Model that saves every mutation to this library.
func (l *Library) Model(cfg *Configuration, opts ...ModelOption) *Model {
	opts = append([]ModelOption{WithPersist(l.Save)}, opts...)
	return NewModel(cfg, opts...)
}
