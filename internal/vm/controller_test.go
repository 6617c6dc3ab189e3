package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

func TestStartAndCooperativeStop(t *testing.T) {
	eng := newMockEngine()
	eng.ackStop = true
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	start := f.ctrl.Start(ctx)
	if err := wait(t, start); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStarted {
		t.Fatalf("State() = %s, want started", got)
	}
	if !f.ctrl.Model().Running() {
		t.Error("model not marked running")
	}

	p := eng.lastParams()
	if p.CPUs != 2 || p.MemoryBytes != 1<<30 {
		t.Errorf("params resources = %d CPUs, %d bytes", p.CPUs, p.MemoryBytes)
	}
	if len(p.Drives) != 1 || p.Drives[0].ImagePath != filepath.Join(f.dir, "root.img") {
		t.Errorf("params drives = %+v", p.Drives)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "root.img")); err != nil {
		t.Errorf("root disk not created: %v", err)
	}
	if len(p.Serials) != 1 || !p.Serials[0].Builtin {
		t.Errorf("params serials = %+v", p.Serials)
	}

	stop := f.ctrl.RequestStop(ctx, false)
	if err := wait(t, stop); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
	if !eng.isReleased(start.Handle()) {
		t.Error("handle not released after stop")
	}
	if eng.forceStopCalls != 0 {
		t.Errorf("forceStopCalls = %d, want 0", eng.forceStopCalls)
	}
	if f.ctrl.Model().Running() {
		t.Error("model still marked running")
	}

	entry, err := f.store.Entry(ctx, "vm-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.BootCount != 1 || !entry.CleanShutdown {
		t.Errorf("entry = %d boots, clean %v; want 1 boot, clean", entry.BootCount, entry.CleanShutdown)
	}
}

func TestCooperativeStopTimesOut(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, nil)
	f.ctrl.stopTimeout = 20 * time.Millisecond
	ctx := context.Background()

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, f.ctrl.RequestStop(ctx, false)); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
	if eng.stopCalls != 1 || eng.forceStopCalls != 1 {
		t.Errorf("stop calls = %d cooperative, %d forced; want 1 and 1", eng.stopCalls, eng.forceStopCalls)
	}

	entry, _ := f.store.Entry(ctx, "vm-1")
	if !entry.WasUncleanShutdown() {
		t.Error("forced stop recorded as clean")
	}
}

func TestStopEscalation(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}

	first := f.ctrl.RequestStop(ctx, false)
	again := f.ctrl.RequestStop(ctx, false)
	forced := f.ctrl.RequestStop(ctx, true)
	if again != first || forced != first {
		t.Fatal("repeated stop requests returned a new operation")
	}
	if err := wait(t, first); err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if eng.forceStopCalls != 1 {
		t.Errorf("forceStopCalls = %d, want 1", eng.forceStopCalls)
	}

	err := wait(t, f.ctrl.RequestStop(ctx, true))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RequestStop(stopped) error = %v, want ErrInvalidTransition", err)
	}
}

func TestForcedStopWhileStarting(t *testing.T) {
	eng := newMockEngine()
	eng.blockStart = true
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	start := f.ctrl.Start(ctx)
	if got := f.ctrl.State().Phase; got != PhaseStarting {
		t.Fatalf("State() = %s, want starting", got)
	}

	if err := wait(t, f.ctrl.RequestStop(ctx, false)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cooperative stop while starting = %v, want ErrInvalidTransition", err)
	}
	if err := wait(t, f.ctrl.RequestStop(ctx, true)); err != nil {
		t.Fatalf("forced stop error = %v", err)
	}
	if err := wait(t, start); err == nil {
		t.Error("start succeeded after a forced stop")
	}

	if got := f.ctrl.State().Phase; got != PhaseStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
	configured, released := eng.calls()
	if configured != 1 || released != 1 {
		t.Errorf("configure = %d, release = %d; want 1 and 1", configured, released)
	}
	if f.ctrl.Model().Running() {
		t.Error("model still marked running")
	}
	entry, _ := f.store.Entry(ctx, "vm-1")
	if entry.BootCount != 0 {
		t.Errorf("BootCount = %d, want 0", entry.BootCount)
	}
}

func TestStartFailureRestoresStopped(t *testing.T) {
	eng := newMockEngine()
	eng.startError = errors.New("no hypervisor entitlement")
	f := newFixture(t, eng, nil)

	err := wait(t, f.ctrl.Start(context.Background()))
	if !errors.Is(err, ErrEngineStartFailure) {
		t.Fatalf("Start() error = %v, want ErrEngineStartFailure", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
	if _, released := eng.calls(); released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
	if f.ctrl.Model().Running() {
		t.Error("model still marked running")
	}
}

func TestStartResourceUnavailable(t *testing.T) {
	eng := newMockEngine()
	eng.configureError = hypervisor.ErrResourceUnavailable
	f := newFixture(t, eng, nil)

	err := wait(t, f.ctrl.Start(context.Background()))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Start() error = %v, want ErrResourceUnavailable", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Op != "configure" {
		t.Errorf("Start() error = %#v, want an EngineError from configure", err)
	}
}

func TestStartRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*machine.Configuration)
		engine func(*mockEngine)
		want   error
	}{
		{
			name: "two builtin serials",
			mutate: func(c *machine.Configuration) {
				c.Serials = append(c.Serials, machine.Serial{Mode: machine.SerialBuiltin})
			},
			want: ErrConfigurationInvalid,
		},
		{
			name:   "no memory",
			mutate: func(c *machine.Configuration) { c.Resources.Memory = 0 },
			want:   ErrConfigurationInvalid,
		},
		{
			name:   "more CPUs than the host",
			mutate: func(c *machine.Configuration) { c.Resources.CPUs = 8 },
			engine: func(m *mockEngine) { m.caps.MaxCPUs = 4 },
			want:   ErrResourceUnavailable,
		},
		{
			name:   "install image attached",
			mutate: func(c *machine.Configuration) { c.Boot.InstallImage = "installer.iso" },
			want:   ErrInvalidTransition,
		},
		{
			name:   "qcow2 image missing",
			mutate: func(c *machine.Configuration) { c.Drives[0].ImagePath = "root.qcow2" },
			want:   ErrResourceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newMockEngine()
			if tt.engine != nil {
				tt.engine(eng)
			}
			f := newFixture(t, eng, tt.mutate)

			err := wait(t, f.ctrl.Start(context.Background()))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if configured, _ := eng.calls(); configured != 0 {
				t.Errorf("engine configured %d times", configured)
			}
			if got := f.ctrl.State().Phase; got != PhaseStopped {
				t.Errorf("State() = %s, want stopped", got)
			}
			if f.ctrl.Model().Running() {
				t.Error("model left marked running")
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	if err := wait(t, f.ctrl.Resume(ctx)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume(stopped) = %v, want ErrInvalidTransition", err)
	}
	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}

	if err := wait(t, f.ctrl.Pause(ctx)); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := f.ctrl.State().Phase; got != PhasePaused {
		t.Fatalf("State() = %s, want paused", got)
	}
	if err := wait(t, f.ctrl.Resume(ctx)); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStarted {
		t.Fatalf("State() = %s, want started", got)
	}

	eng.mu.Lock()
	eng.pauseError = errors.New("vcpu busy")
	eng.mu.Unlock()
	err := wait(t, f.ctrl.Pause(ctx))
	if !errors.Is(err, ErrEngineRuntimeFailure) {
		t.Errorf("Pause() error = %v, want ErrEngineRuntimeFailure", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStarted {
		t.Errorf("State() after failed pause = %s, want started", got)
	}
}

func TestMutationWhileRunning(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, nil)
	ctx := context.Background()
	model := f.ctrl.Model()

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.ConfigurationChanged() {
		t.Error("ConfigurationChanged() = true right after start")
	}

	if err := model.Apply("resources.cpus", 4); !errors.Is(err, ErrMutationWhileRunning) {
		t.Fatalf("Apply(cpus) while running = %v, want ErrMutationWhileRunning", err)
	}
	if err := model.Apply("drives[+]", machine.Drive{ID: "usb", Removable: true}); err != nil {
		t.Fatalf("Apply(removable drive) while running = %v", err)
	}
	if !f.ctrl.ConfigurationChanged() {
		t.Error("ConfigurationChanged() = false after a committed mutation")
	}

	if err := wait(t, f.ctrl.RequestStop(ctx, true)); err != nil {
		t.Fatal(err)
	}
	if err := model.Apply("resources.cpus", 4); err != nil {
		t.Fatalf("Apply(cpus) while stopped = %v", err)
	}
	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	if got := eng.lastParams().CPUs; got != 4 {
		t.Errorf("params CPUs = %d, want 4", got)
	}
}

func TestGuestExit(t *testing.T) {
	t.Run("power off", func(t *testing.T) {
		eng := newMockEngine()
		f := newFixture(t, eng, nil)
		start := f.ctrl.Start(context.Background())
		if err := wait(t, start); err != nil {
			t.Fatal(err)
		}
		sub := f.ctrl.Subscribe()
		defer sub.Close()

		eng.exit(start.Handle(), nil)
		waitPhase(t, sub, PhaseStopped)
		if !eng.isReleased(start.Handle()) {
			t.Error("handle not released after guest power-off")
		}
		if f.ctrl.Model().Running() {
			t.Error("model still marked running")
		}
	})

	t.Run("crash", func(t *testing.T) {
		eng := newMockEngine()
		f := newFixture(t, eng, nil)
		ctx := context.Background()
		start := f.ctrl.Start(ctx)
		if err := wait(t, start); err != nil {
			t.Fatal(err)
		}
		sub := f.ctrl.Subscribe()
		defer sub.Close()

		eng.exit(start.Handle(), errors.New("guest panic"))
		events := waitPhase(t, sub, PhaseError)
		if got := events[len(events)-1].State.Reason; got != "guest panic" {
			t.Errorf("error reason = %q, want %q", got, "guest panic")
		}
		if eng.isReleased(start.Handle()) {
			t.Error("handle released before the error was acknowledged")
		}
		if f.ctrl.Model().Running() {
			t.Error("model still marked running in the error state")
		}

		if err := wait(t, f.ctrl.Start(ctx)); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Start(error) = %v, want ErrInvalidTransition", err)
		}
		if err := wait(t, f.ctrl.RequestStop(ctx, false)); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cooperative stop from error = %v, want ErrInvalidTransition", err)
		}
		if err := wait(t, f.ctrl.RequestStop(ctx, true)); err != nil {
			t.Fatalf("forced stop from error = %v", err)
		}
		if got := f.ctrl.State().Phase; got != PhaseStopped {
			t.Errorf("State() = %s, want stopped", got)
		}
		if !eng.isReleased(start.Handle()) {
			t.Error("handle not released by the forced stop")
		}
		if eng.forceStopCalls != 0 {
			t.Errorf("forceStopCalls = %d, want 0 for an exited machine", eng.forceStopCalls)
		}
	})
}

func TestExitReportedDuringStart(t *testing.T) {
	tests := []struct {
		name   string
		exit   error
		want   []string
		phase  Phase
		handle bool // still held after the exit
	}{
		{
			name:  "power off",
			want:  []string{"starting", "started", "stopped"},
			phase: PhaseStopped,
		},
		{
			name:   "crash",
			exit:   errors.New("firmware fault"),
			want:   []string{"starting", "started", "error(firmware fault)"},
			phase:  PhaseError,
			handle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newMockEngine()
			eng.exitOnStart = true
			eng.startExitErr = tt.exit
			f := newFixture(t, eng, nil)

			sub := f.ctrl.Subscribe()
			defer sub.Close()
			<-sub.Events()

			start := f.ctrl.Start(context.Background())
			if err := wait(t, start); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			events := waitPhase(t, sub, tt.phase)
			if got := phases(events); fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("states = %v, want %v", got, tt.want)
			}
			if got := f.ctrl.State().Phase; got != tt.phase {
				t.Errorf("State() = %s, want %s", got, tt.phase)
			}
			if released := eng.isReleased(start.Handle()); released == tt.handle {
				t.Errorf("handle released = %v, want %v", released, !tt.handle)
			}
			if f.ctrl.Model().Running() {
				t.Error("model still marked running")
			}
		})
	}
}

func TestCooperativeStopNeedsFeature(t *testing.T) {
	eng := newMockEngine(hypervisor.FeaturePause, hypervisor.FeatureInstall)
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	err := wait(t, f.ctrl.RequestStop(ctx, false))
	if !errors.Is(err, ErrResourceUnavailable) || !errors.Is(err, hypervisor.ErrUnsupported) {
		t.Errorf("RequestStop(cooperative) = %v, want ErrResourceUnavailable", err)
	}
	if got := f.ctrl.State().Phase; got != PhaseStarted {
		t.Errorf("State() = %s, want started", got)
	}
	if err := wait(t, f.ctrl.RequestStop(ctx, true)); err != nil {
		t.Errorf("forced stop = %v", err)
	}
}

func TestSubscribeOrdering(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	sub := f.ctrl.Subscribe()
	defer f.ctrl.Unsubscribe(sub)

	first := <-sub.Events()
	if first.Kind != EventStateChanged || first.State.Phase != PhaseStopped || first.Seq != 0 {
		t.Fatalf("first event = %+v, want the current stopped state", first)
	}

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, f.ctrl.RequestStop(ctx, true)); err != nil {
		t.Fatal(err)
	}

	events := waitPhase(t, sub, PhaseStopped)
	want := []string{"starting", "started", "stopping", "stopped"}
	got := phases(events)
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
		if ev.VM != "vm-1" {
			t.Errorf("event %d VM = %q", i, ev.VM)
		}
	}

	// A late subscriber starts from the current state and sequence.
	late := f.ctrl.Subscribe()
	defer late.Close()
	if ev := <-late.Events(); ev.State.Phase != PhaseStopped || ev.Seq != events[len(events)-1].Seq {
		t.Errorf("late subscriber first event = %+v", ev)
	}

	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("events delivered after Close")
	}
}

func TestConfigurationChangedEvent(t *testing.T) {
	f := newFixture(t, newMockEngine(), nil)
	sub := f.ctrl.Subscribe()
	defer sub.Close()
	<-sub.Events()

	if err := f.ctrl.Model().Apply("name", "renamed"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Kind != EventConfigurationChanged || ev.Change.Path != "name" || ev.Change.Version != 1 {
			t.Errorf("event = %+v, want configuration change of name", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration-changed event")
	}
}

func TestRegistryContentReachesEngine(t *testing.T) {
	eng := newMockEngine()
	f := newFixture(t, eng, func(c *machine.Configuration) {
		c.Drives = append(c.Drives,
			machine.Drive{ID: "usb", Removable: true},
			machine.Drive{ID: "cd", Removable: true, ReadOnly: true},
		)
	})
	ctx := context.Background()

	shares := t.TempDir()
	src := filepath.Join(shares, "src")
	if err := os.Mkdir(src, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddShare(ctx, "vm-1", src); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddShare(ctx, "vm-1", src); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ToggleReadOnly(ctx, "vm-1", 1); err != nil {
		t.Fatal(err)
	}
	image := filepath.Join(shares, "usb.img")
	if err := os.WriteFile(image, []byte("fat"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.store.BindDrive(ctx, "vm-1", "usb", registry.DriveBinding{ImagePath: image}); err != nil {
		t.Fatal(err)
	}

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	p := eng.lastParams()

	if len(p.Drives) != 2 {
		t.Fatalf("drives = %+v, want root and the bound usb drive", p.Drives)
	}
	if p.Drives[1].ID != "usb" || p.Drives[1].ImagePath != image || !p.Drives[1].Removable {
		t.Errorf("usb drive = %+v", p.Drives[1])
	}

	wantShares := []hypervisor.Share{
		{Tag: "src", Path: src},
		{Tag: "src-2", Path: src, ReadOnly: true},
	}
	if len(p.Shares) != len(wantShares) {
		t.Fatalf("shares = %+v, want %+v", p.Shares, wantShares)
	}
	for i := range wantShares {
		if p.Shares[i] != wantShares[i] {
			t.Errorf("share %d = %+v, want %+v", i, p.Shares[i], wantShares[i])
		}
	}
}

func TestSharesSkippedWithoutHostSupport(t *testing.T) {
	eng := newMockEngine(hypervisor.FeatureCooperativeStop)
	f := newFixture(t, eng, nil)
	ctx := context.Background()

	if _, err := f.store.AddShare(ctx, "vm-1", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	sub := f.ctrl.Subscribe()
	defer sub.Close()

	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := eng.lastParams().Shares; len(got) != 0 {
		t.Errorf("shares = %+v, want none", got)
	}

	var notice *Event
	for _, ev := range waitPhase(t, sub, PhaseStarted) {
		if ev.Kind == EventValidationNotice {
			notice = &ev
		}
	}
	if notice == nil || len(notice.Notices) != 1 || notice.Notices[0].Field != "shares" {
		t.Errorf("validation notice = %+v, want one shares notice", notice)
	}
}

func TestConsole(t *testing.T) {
	f := newFixture(t, newMockEngine(), nil)
	ctx := context.Background()

	if _, _, err := f.ctrl.Console(0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Console(stopped) = %v, want ErrInvalidTransition", err)
	}
	if err := wait(t, f.ctrl.Start(ctx)); err != nil {
		t.Fatal(err)
	}
	in, out, err := f.ctrl.Console(0)
	if err != nil || in == nil || out == nil {
		t.Fatalf("Console(0) = %v, %v, %v", in, out, err)
	}
	if _, _, err := f.ctrl.Console(1); !errors.Is(err, hypervisor.ErrNoConsole) {
		t.Errorf("Console(1) = %v, want ErrNoConsole", err)
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"stale", registry.ErrStaleIndex, "The list changed in another window. Refresh and try again."},
		{"running", machine.ErrMutationWhileRunning, "Stop the VM before changing this setting."},
		{
			"engine",
			engineError("start", ErrEngineStartFailure, errors.New("boom")),
			"The VM could not start: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summary(tt.err); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}
