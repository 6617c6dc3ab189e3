package session

import (
	"errors"
	"testing"

	"github.com/javanstorm/vmctl/internal/machine"
)

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name      string
		profile   machine.Profile
		primary   *Target
		secondary []Target
	}{
		{
			name:    "headless",
			profile: machine.Profile{},
		},
		{
			name:    "display only",
			profile: machine.Profile{HasDisplay: true},
			primary: &Display,
		},
		{
			name:      "display and terminal",
			profile:   machine.Profile{HasDisplay: true, BuiltinSerials: []int{0}, TerminalSerials: []int{0}},
			primary:   &Display,
			secondary: []Target{Serial(0)},
		},
		{
			name:      "terminals only",
			profile:   machine.Profile{BuiltinSerials: []int{1, 3}, TerminalSerials: []int{1, 3}},
			primary:   &Target{Kind: KindSerial, Index: 1},
			secondary: []Target{Serial(3)},
		},
		{
			name:    "builtin serial without terminal",
			profile: machine.Profile{BuiltinSerials: []int{0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanFor(tt.profile)
			switch {
			case tt.primary == nil && plan.Primary != nil:
				t.Errorf("Primary = %v, want none", *plan.Primary)
			case tt.primary != nil && (plan.Primary == nil || *plan.Primary != *tt.primary):
				t.Errorf("Primary = %v, want %v", plan.Primary, *tt.primary)
			}
			if len(plan.Secondary) != len(tt.secondary) {
				t.Fatalf("Secondary = %v, want %v", plan.Secondary, tt.secondary)
			}
			for i := range tt.secondary {
				if plan.Secondary[i] != tt.secondary[i] {
					t.Errorf("Secondary[%d] = %v, want %v", i, plan.Secondary[i], tt.secondary[i])
				}
			}
		})
	}
}

func TestOpenReusesSurface(t *testing.T) {
	r := NewRegistry()

	first, created := r.Open("vm-1", Display)
	if !created || !first.Primary {
		t.Fatalf("Open() = %+v, %v; want a new primary surface", first, created)
	}
	again, created := r.Open("vm-1", Display)
	if created || again.ID != first.ID {
		t.Errorf("second Open() = %+v, %v; want the same surface", again, created)
	}

	serial, created := r.Open("vm-1", Serial(0))
	if !created || serial.Primary {
		t.Errorf("Open(serial) = %+v, %v; want a new secondary surface", serial, created)
	}
	other, _ := r.Open("vm-2", Serial(0))
	if !other.Primary || other.ID == serial.ID {
		t.Errorf("Open(vm-2) = %+v, want its own primary", other)
	}

	if got, ok := r.Lookup("vm-1", Serial(0)); !ok || got.ID != serial.ID {
		t.Errorf("Lookup() = %+v, %v", got, ok)
	}
	if _, ok := r.Lookup("vm-1", Serial(1)); ok {
		t.Error("Lookup() found a surface that was never opened")
	}
}

func TestOpenPlan(t *testing.T) {
	r := NewRegistry()
	p := machine.Profile{HasDisplay: true, TerminalSerials: []int{0, 2}}

	opened := r.OpenPlan("vm-1", p)
	if len(opened) != 3 || opened[0].Target != Display || !opened[0].Primary {
		t.Fatalf("OpenPlan() = %+v", opened)
	}
	if again := r.OpenPlan("vm-1", p); again[1].ID != opened[1].ID {
		t.Error("OpenPlan() did not reuse open surfaces")
	}

	got := r.Surfaces("vm-1")
	want := []Target{Display, Serial(0), Serial(2)}
	if len(got) != len(want) {
		t.Fatalf("Surfaces() = %+v", got)
	}
	for i := range want {
		if got[i].Target != want[i] {
			t.Errorf("Surfaces()[%d] = %v, want %v", i, got[i].Target, want[i])
		}
	}
}

func TestClose(t *testing.T) {
	r := NewRegistry()
	opened := r.OpenPlan("vm-1", machine.Profile{HasDisplay: true, TerminalSerials: []int{0}})
	r.Open("vm-2", Display)

	closed := r.Close(opened[1].ID)
	if len(closed) != 1 || closed[0].ID != opened[1].ID {
		t.Errorf("Close(secondary) = %+v", closed)
	}
	if got := r.Close(opened[1].ID); got != nil {
		t.Errorf("second Close() = %+v, want nothing", got)
	}

	r.Open("vm-1", Serial(0))
	closed = r.Close(opened[0].ID)
	if len(closed) != 2 || !closed[0].Primary {
		t.Errorf("Close(primary) = %+v, want primary and its secondary", closed)
	}
	if got := r.Surfaces("vm-1"); len(got) != 0 {
		t.Errorf("Surfaces(vm-1) after close = %+v", got)
	}
	if got := r.Surfaces("vm-2"); len(got) != 1 {
		t.Errorf("Surfaces(vm-2) = %+v, want untouched", got)
	}
}

func TestWindowMenu(t *testing.T) {
	r := NewRegistry()
	p := machine.Profile{HasDisplay: true, BuiltinSerials: []int{0, 1}, TerminalSerials: []int{1}}
	r.Open("vm-1", Display)

	items := r.WindowMenu("vm-1", Display, p)
	want := []MenuItem{
		{Title: "Display", Target: Display, Current: true, Enabled: false, Open: true},
		{Title: "Serial 1", Target: Serial(1), Current: false, Enabled: true, Open: false},
	}
	if len(items) != len(want) {
		t.Fatalf("WindowMenu() = %+v, want %+v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, items[i], want[i])
		}
	}
}

func TestAcknowledge(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Open("vm-1", Display)
	b, _ := r.Open("vm-1", Serial(0))

	if r.Acknowledged(a.ID, NoticeSharePath) {
		t.Fatal("new surface has the notice acknowledged")
	}
	if err := r.Acknowledge(a.ID, NoticeSharePath); err != nil {
		t.Fatal(err)
	}
	if !r.Acknowledged(a.ID, NoticeSharePath) {
		t.Error("Acknowledged() = false after Acknowledge")
	}
	if r.Acknowledged(b.ID, NoticeSharePath) {
		t.Error("acknowledgement leaked to another surface")
	}
	if r.Acknowledged(a.ID, NoticeInstall) {
		t.Error("acknowledgement leaked to another notice")
	}

	r.Close(b.ID)
	if err := r.Acknowledge(b.ID, NoticeInstall); !errors.Is(err, ErrUnknownSurface) {
		t.Errorf("Acknowledge(closed) = %v, want ErrUnknownSurface", err)
	}
}
