package vm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/internal/testutil"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// mockEngine is a mock implementation of hypervisor.Engine for testing.
type mockEngine struct {
	caps hypervisor.Capabilities

	mu sync.Mutex

	// For controlling behavior
	configureError error
	startError     error
	pauseError     error
	resumeError    error
	installError   error
	blockStart     bool // Start waits for ctx to end
	exitOnStart    bool // Start returns with the exit already reported
	startExitErr   error
	ackStop        bool // a cooperative stop powers the guest off
	progress       chan hypervisor.Progress

	// For verification
	params         []*hypervisor.Params
	configureCalls int
	startCalls     int
	stopCalls      int
	forceStopCalls int
	pauseCalls     int
	resumeCalls    int
	installCalls   int
	released       map[hypervisor.Handle]bool
	exits          map[hypervisor.Handle]chan error
	next           int
}

func allFeatures() []hypervisor.Feature {
	return []hypervisor.Feature{
		hypervisor.FeaturePause,
		hypervisor.FeatureCooperativeStop,
		hypervisor.FeatureInstall,
		hypervisor.FeatureSharedDirectories,
		hypervisor.FeatureLinuxDisplay,
		hypervisor.FeatureBridgedNetwork,
		hypervisor.FeatureBalloon,
		hypervisor.FeatureEntropy,
	}
}

func newMockEngine(features ...hypervisor.Feature) *mockEngine {
	if features == nil {
		features = allFeatures()
	}
	return &mockEngine{
		caps:     hypervisor.NewCapabilities("mock", "arm64", semver.New("14.0.0"), features...),
		released: make(map[hypervisor.Handle]bool),
		exits:    make(map[hypervisor.Handle]chan error),
	}
}

func (m *mockEngine) Info() hypervisor.Info {
	return hypervisor.Info{Name: "mock", Version: "1.0", Arch: "arm64"}
}

func (m *mockEngine) Capabilities() hypervisor.Capabilities { return m.caps }

func (m *mockEngine) Configure(ctx context.Context, p *hypervisor.Params) (hypervisor.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configureCalls++
	m.params = append(m.params, p)
	if m.configureError != nil {
		return "", m.configureError
	}
	m.next++
	h := hypervisor.Handle(fmt.Sprintf("h%d", m.next))
	m.exits[h] = make(chan error, 1)
	return h, nil
}

func (m *mockEngine) Start(ctx context.Context, h hypervisor.Handle) (<-chan error, error) {
	m.mu.Lock()
	m.startCalls++
	block, err, exit := m.blockStart, m.startError, m.exits[h]
	if err == nil && m.exitOnStart {
		m.exitLocked(h, m.startExitErr)
	}
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return exit, nil
}

func (m *mockEngine) RequestStop(ctx context.Context, h hypervisor.Handle, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if force {
		m.forceStopCalls++
		return nil
	}
	m.stopCalls++
	if m.ackStop {
		m.exitLocked(h, nil)
	}
	return nil
}

func (m *mockEngine) Pause(ctx context.Context, h hypervisor.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseCalls++
	return m.pauseError
}

func (m *mockEngine) Resume(ctx context.Context, h hypervisor.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCalls++
	return m.resumeError
}

// Install forwards m.progress until it is closed or ctx ends.
func (m *mockEngine) Install(ctx context.Context, h hypervisor.Handle, image string) (<-chan hypervisor.Progress, error) {
	m.mu.Lock()
	m.installCalls++
	in, err := m.progress, m.installError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan hypervisor.Progress)
	go func() {
		defer close(out)
		for {
			select {
			case p, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *mockEngine) Console(h hypervisor.Handle, serial int) (io.Writer, io.Reader, error) {
	if serial != 0 {
		return nil, nil, hypervisor.ErrNoConsole
	}
	return &bytes.Buffer{}, strings.NewReader("login: "), nil
}

func (m *mockEngine) Release(h hypervisor.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[h] = true
	return nil
}

// exit reports that the machine of h stopped with err.
func (m *mockEngine) exit(h hypervisor.Handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitLocked(h, err)
}

func (m *mockEngine) exitLocked(h hypervisor.Handle, err error) {
	select {
	case m.exits[h] <- err:
	default:
	}
}

func (m *mockEngine) calls() (configure, release int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configureCalls, len(m.released)
}

func (m *mockEngine) isReleased(h hypervisor.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released[h]
}

func (m *mockEngine) lastParams() *hypervisor.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.params) == 0 {
		return nil
	}
	return m.params[len(m.params)-1]
}

// Helper function to create a minimal valid configuration for testing.
func newTestConfig() *machine.Configuration {
	cfg := testutil.Configuration("dev")
	cfg.ID = "vm-1"
	return cfg
}

type fixture struct {
	ctrl   *Controller
	engine *mockEngine
	store  *registry.Store
	dir    string
}

func newFixture(t *testing.T, engine *mockEngine, mutate func(*machine.Configuration)) *fixture {
	t.Helper()
	return newFixtureWith(t, engine, mutate)
}

// newFixtureWith is newFixture with options for the configuration model.
func newFixtureWith(t *testing.T, engine *mockEngine, mutate func(*machine.Configuration), opts ...machine.ModelOption) *fixture {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	store := registry.New(registry.NewMemoryBackend())

	ctrl := NewController(ControllerConfig{
		Model:    machine.NewModel(cfg, opts...),
		Registry: store,
		Engine:   engine,
		Bundle:   dir,
		ResolvePath: func(p string) string {
			if p == "" || filepath.IsAbs(p) {
				return p
			}
			return filepath.Join(dir, p)
		},
		StopTimeout: time.Hour,
		Logger:      logrus.NewEntry(logger),
	})
	t.Cleanup(ctrl.Close)
	return &fixture{ctrl: ctrl, engine: engine, store: store, dir: dir}
}

func wait(t *testing.T, op *Operation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := op.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("operation did not complete")
	}
	return err
}

// waitPhase reads s until a state event with phase p arrives and returns
// the events read on the way, the matching one included.
func waitPhase(t *testing.T, s *Subscription, p Phase) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("subscription closed before %s", p)
			}
			seen = append(seen, ev)
			if ev.Kind == EventStateChanged && ev.State.Phase == p {
				return seen
			}
		case <-timeout:
			t.Fatalf("no %s state within timeout, saw %v", p, phases(seen))
		}
	}
}

func phases(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State.String())
		}
	}
	return out
}
