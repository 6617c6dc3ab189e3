package machine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/javanstorm/vmctl/internal/fifo"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Mutation errors
var (
	ErrMutationWhileRunning = errors.New("configuration cannot change while the VM is running")
	ErrUnknownPath          = errors.New("unknown configuration path")
	ErrInvalidValue         = errors.New("invalid configuration value")
)

// DeviceKind classifies device list entries for the hot-plug whitelist.
type DeviceKind string

const (
	KindDisplay        DeviceKind = "display"
	KindSerial         DeviceKind = "serial"
	KindNetwork        DeviceKind = "network"
	KindDrive          DeviceKind = "drive"
	KindRemovableDrive DeviceKind = "removable-drive"
)

// hotPluggable lists the device kinds that may be added, replaced or removed
// while the VM runs.
var hotPluggable = map[DeviceKind]bool{
	KindRemovableDrive: true,
}

var devicePath = regexp.MustCompile(`^(displays|serials|networks|drives)\[(\+|\d+)\]$`)

// Change describes one committed mutation.
type Change struct {
	Path    string
	Version uint64
}

// Model guards a Configuration. Apply is the only way to mutate it; each
// successful Apply bumps Version by exactly one.
type Model struct {
	queue *fifo.Queue

	mu      sync.RWMutex
	cfg     *Configuration
	version uint64
	running bool
	persist func(*Configuration) error

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithPersist sets the hook that durably stores a mutated configuration
// before it is committed. A failing hook aborts the mutation.
func WithPersist(fn func(*Configuration) error) ModelOption {
	return func(m *Model) { m.persist = fn }
}

// WithQueue shares a mutation queue between models.
func WithQueue(q *fifo.Queue) ModelOption {
	return func(m *Model) { m.queue = q }
}

// NewModel wraps cfg. The model keeps its own copy.
func NewModel(cfg *Configuration, opts ...ModelOption) *Model {
	m := &Model{
		cfg:       cfg.Clone(),
		observers: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = fifo.New()
	}
	return m
}

func (m *Model) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ID
}

func (m *Model) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Name
}

// Snapshot returns a copy of the committed configuration.
func (m *Model) Snapshot() *Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Current returns a copy of the committed configuration together with the
// version it was committed at.
func (m *Model) Current() (*Configuration, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone(), m.version
}

// Version returns the mutation counter.
func (m *Model) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// SetRunning marks whether an engine currently holds this configuration.
func (m *Model) SetRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

func (m *Model) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Validate checks the committed configuration against caps.
func (m *Model) Validate(caps hypervisor.Capabilities) error {
	return Validate(m.Snapshot(), caps)
}

// Profile derives the capability profile of the committed configuration.
func (m *Model) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Profile()
}

// Observe registers fn to run after every committed mutation. The returned
// func removes it and may be called more than once.
func (m *Model) Observe(fn func(Change)) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Apply sets the value at path. Mutations of one model are applied in
// arrival order.
//
// Scalar paths: name, boot.os, boot.install_image, resources.cpus,
// resources.memory, virtualization.<flag>. Device paths: displays, serials,
// networks and drives, suffixed with [+] to append or [i] to replace; a nil
// value at [i] removes the entry.
func (m *Model) Apply(path string, value any) error {
	return m.queue.Do(context.Background(), m.ID(), func() error {
		return m.apply(path, value)
	})
}

func (m *Model) apply(path string, value any) error {
	m.mu.Lock()
	next := m.cfg.Clone()
	if err := mutate(next, path, value, m.running); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("apply %s: %w", path, err)
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("apply %s: persist: %w", path, err)
		}
	}
	m.cfg = next
	m.version++
	change := Change{Path: path, Version: m.version}
	m.mu.Unlock()

	m.obsMu.Lock()
	observers := make([]func(Change), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

func mutate(c *Configuration, path string, value any, running bool) error {
	if match := devicePath.FindStringSubmatch(path); match != nil {
		return mutateDevice(c, match[1], match[2], value, running)
	}

	if path == "name" {
		s, err := toString(value)
		if err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalidValue)
		}
		c.Name = s
		return nil
	}

	section, key, _ := strings.Cut(path, ".")
	switch path {
	case "boot.os", "boot.install_image", "resources.cpus", "resources.memory":
	default:
		if _, ok := virtualizationFlags[key]; section != "virtualization" || !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
	}
	if running {
		return ErrMutationWhileRunning
	}

	switch path {
	case "boot.os":
		s, err := toString(value)
		if err != nil {
			return err
		}
		switch os := hypervisor.GuestOS(s); os {
		case hypervisor.GuestLinux, hypervisor.GuestMacOS:
			c.Boot.OS = os
		default:
			return fmt.Errorf("%w: unknown operating system %q", ErrInvalidValue, s)
		}
	case "boot.install_image":
		s, err := toString(value)
		if err != nil {
			return err
		}
		c.Boot.InstallImage = s
	case "resources.cpus":
		n, err := toUint(value)
		if err != nil {
			return err
		}
		c.Resources.CPUs = uint(n)
	case "resources.memory":
		n, err := toSize(value)
		if err != nil {
			return err
		}
		c.Resources.Memory = n
	default:
		flag := virtualizationFlags[key]
		b, err := toBool(value)
		if err != nil {
			return err
		}
		*flag.field(&c.Virtualization) = b
	}
	return nil
}

func mutateDevice(c *Configuration, list, slot string, value any, running bool) error {
	index := -1
	if slot != "+" {
		n, err := strconv.Atoi(slot)
		if err != nil {
			return fmt.Errorf("%w: index %q", ErrInvalidValue, slot)
		}
		index = n
	}
	if slot == "+" && value == nil {
		return fmt.Errorf("%w: cannot append nothing", ErrInvalidValue)
	}

	switch list {
	case "displays":
		return editList(&c.Displays, index, value, func(Display) DeviceKind { return KindDisplay }, running, nil)
	case "serials":
		return editList(&c.Serials, index, value, func(Serial) DeviceKind { return KindSerial }, running, nil)
	case "networks":
		return editList(&c.Networks, index, value, func(Network) DeviceKind { return KindNetwork }, running, nil)
	case "drives":
		kind := func(d Drive) DeviceKind {
			if d.Removable {
				return KindRemovableDrive
			}
			return KindDrive
		}
		fill := func(d *Drive) {
			if d.ID == "" {
				d.ID = uuid.NewString()[:8]
			}
		}
		return editList(&c.Drives, index, value, kind, running, fill)
	}
	return fmt.Errorf("%w: %s", ErrUnknownPath, list)
}

// editList appends (index < 0), replaces or removes (nil value) an entry of
// items, enforcing the hot-plug whitelist while running.
func editList[T any](items *[]T, index int, value any, kind func(T) DeviceKind, running bool, fill func(*T)) error {
	if index >= len(*items) {
		return fmt.Errorf("%w: index %d out of range (%d entries)", ErrInvalidValue, index, len(*items))
	}

	if value == nil {
		old := (*items)[index]
		if running && !hotPluggable[kind(old)] {
			return ErrMutationWhileRunning
		}
		*items = append((*items)[:index:index], (*items)[index+1:]...)
		return nil
	}

	var item T
	switch v := value.(type) {
	case T:
		item = v
	case *T:
		if v == nil {
			return fmt.Errorf("%w: nil device", ErrInvalidValue)
		}
		item = *v
	default:
		return fmt.Errorf("%w: got %T", ErrInvalidValue, value)
	}
	if fill != nil {
		fill(&item)
	}

	if running && !hotPluggable[kind(item)] {
		return ErrMutationWhileRunning
	}
	if index < 0 {
		*items = append(*items, item)
		return nil
	}
	if running && !hotPluggable[kind((*items)[index])] {
		return ErrMutationWhileRunning
	}
	(*items)[index] = item
	return nil
}

func toString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: want string, got %T", ErrInvalidValue, v)
	}
	return s, nil
}

func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, n)
		}
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint64:
		return n, nil
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, n)
		}
		return u, nil
	}
	return 0, fmt.Errorf("%w: want number, got %T", ErrInvalidValue, v)
}

func toSize(v any) (Size, error) {
	switch n := v.(type) {
	case Size:
		return n, nil
	case string:
		s, err := ParseSize(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return s, nil
	}
	u, err := toUint(v)
	return Size(u), err
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, b)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("%w: want boolean, got %T", ErrInvalidValue, v)
}
