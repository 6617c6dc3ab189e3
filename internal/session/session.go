// Package session tracks the surfaces (display and serial terminal windows)
// a caller has open for each VM. It holds no VM state: surfaces are derived
// from the capability profile of a configuration, and per-session flags
// belong to the surface that set them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmctl/internal/machine"
)

// ErrUnknownSurface is returned for surface IDs that are not open.
var ErrUnknownSurface = errors.New("session: unknown surface")

// Kind is what a surface shows.
type Kind string

const (
	KindDisplay Kind = "display"
	KindSerial  Kind = "serial"
)

// Target names the device a surface is attached to. Index is the serial
// index for KindSerial and zero for KindDisplay.
type Target struct {
	Kind  Kind
	Index int
}

// Display is the target of the display surface.
var Display = Target{Kind: KindDisplay}

// Serial returns the target of the serial terminal at index.
func Serial(index int) Target {
	return Target{Kind: KindSerial, Index: index}
}

func (t Target) String() string {
	if t.Kind == KindDisplay {
		return "Display"
	}
	return fmt.Sprintf("Serial %d", t.Index)
}

// Plan is the set of surfaces to open for a VM.
type Plan struct {
	// Primary is unset when the VM has neither a display nor a terminal.
	Primary   *Target
	Secondary []Target
}

// PlanFor derives the surfaces of a VM from its profile. The display is
// primary when present, otherwise the first builtin serial with a terminal.
// Every other terminal serial gets a secondary surface.
func PlanFor(p machine.Profile) Plan {
	var plan Plan
	if p.HasDisplay {
		d := Display
		plan.Primary = &d
	}
	for _, i := range p.TerminalSerials {
		t := Serial(i)
		if plan.Primary == nil {
			plan.Primary = &t
			continue
		}
		plan.Secondary = append(plan.Secondary, t)
	}
	return plan
}

// Notice is a one-time hint a surface shows at most once.
type Notice string

const (
	// NoticeSharePath explains how to mount shared directories in the guest.
	NoticeSharePath Notice = "share-path"
	// NoticeInstall asks before erasing the primary drive for an install.
	NoticeInstall Notice = "install"
)

// Surface is one open window of a VM.
type Surface struct {
	ID       string
	VM       string
	Target   Target
	Primary  bool
	OpenedAt time.Time

	acknowledged map[Notice]bool
}

// MenuItem is one entry of a VM's window menu.
type MenuItem struct {
	Title   string
	Target  Target
	Current bool
	Enabled bool

	// Open is set when a surface for Target is already open, so choosing
	// the item brings it forward instead of opening a new one.
	Open bool
}

// Registry holds the open surfaces of every VM. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	surfaces map[string]*Surface
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{surfaces: make(map[string]*Surface)}
}

// Open returns the surface of vm attached to t, creating it when none is
// open. created reports whether a new surface was made. The first surface
// of a VM is its primary.
func (r *Registry) Open(vm string, t Target) (s Surface, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.find(vm, t); s != nil {
		return s.copy(), false
	}
	primary := true
	for _, other := range r.surfaces {
		if other.VM == vm {
			primary = false
			break
		}
	}
	ns := &Surface{
		ID:           uuid.NewString(),
		VM:           vm,
		Target:       t,
		Primary:      primary,
		OpenedAt:     time.Now(),
		acknowledged: make(map[Notice]bool),
	}
	r.surfaces[ns.ID] = ns
	return ns.copy(), true
}

// OpenPlan opens the surfaces PlanFor(p) lists, primary first.
func (r *Registry) OpenPlan(vm string, p machine.Profile) []Surface {
	plan := PlanFor(p)
	var out []Surface
	if plan.Primary != nil {
		s, _ := r.Open(vm, *plan.Primary)
		out = append(out, s)
	}
	for _, t := range plan.Secondary {
		s, _ := r.Open(vm, t)
		out = append(out, s)
	}
	return out
}

// Lookup returns the open surface of vm attached to t.
func (r *Registry) Lookup(vm string, t Target) (Surface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.find(vm, t); s != nil {
		return s.copy(), true
	}
	return Surface{}, false
}

func (r *Registry) find(vm string, t Target) *Surface {
	for _, s := range r.surfaces {
		if s.VM == vm && s.Target == t {
			return s
		}
	}
	return nil
}

// Close closes the surface id and returns every surface closed with it.
// Closing a primary closes the secondaries of its VM. Closing an unknown
// or already closed surface does nothing.
func (r *Registry) Close(id string) []Surface {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.surfaces[id]
	if !ok {
		return nil
	}
	delete(r.surfaces, id)
	closed := []Surface{s.copy()}
	if !s.Primary {
		return closed
	}
	for oid, other := range r.surfaces {
		if other.VM == s.VM {
			delete(r.surfaces, oid)
			closed = append(closed, other.copy())
		}
	}
	sortSurfaces(closed)
	return closed
}

// Surfaces returns the open surfaces of vm, primary first, then by target.
func (r *Registry) Surfaces(vm string) []Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Surface
	for _, s := range r.surfaces {
		if s.VM == vm {
			out = append(out, s.copy())
		}
	}
	sortSurfaces(out)
	return out
}

// WindowMenu lists the surfaces vm can show: the display when present and
// one entry per builtin serial with a terminal. The entry of current is
// marked and disabled.
func (r *Registry) WindowMenu(vm string, current Target, p machine.Profile) []MenuItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []MenuItem
	add := func(t Target) {
		items = append(items, MenuItem{
			Title:   t.String(),
			Target:  t,
			Current: t == current,
			Enabled: t != current,
			Open:    r.find(vm, t) != nil,
		})
	}
	if p.HasDisplay {
		add(Display)
	}
	for _, i := range p.TerminalSerials {
		add(Serial(i))
	}
	return items
}

// Acknowledge records that surface id has shown n.
func (r *Registry) Acknowledge(id string, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSurface, id)
	}
	s.acknowledged[n] = true
	return nil
}

// Acknowledged reports whether surface id has shown n.
func (r *Registry) Acknowledged(id string, n Notice) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[id]
	return ok && s.acknowledged[n]
}

func (s *Surface) copy() Surface {
	out := *s
	out.acknowledged = nil
	return out
}

func sortSurfaces(s []Surface) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Primary != s[j].Primary {
			return s[i].Primary
		}
		if s[i].Target.Kind != s[j].Target.Kind {
			return s[i].Target.Kind == KindDisplay
		}
		return s[i].Target.Index < s[j].Target.Index
	})
}
