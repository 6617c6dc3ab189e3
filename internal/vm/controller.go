// Package vm drives virtual machines through their lifecycle. A Controller
// owns the runtime state of one VM and turns its configuration and registry
// entry into engine calls; a Manager keeps one Controller per VM.
package vm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/internal/timing"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// DefaultStopTimeout bounds a cooperative stop before it is forced.
const DefaultStopTimeout = 30 * time.Second

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	Model    *machine.Model
	Registry *registry.Store
	Engine   hypervisor.Engine

	// Bundle is the VM's directory, handed to the engine for its own state.
	Bundle string

	// ResolvePath turns a configured image path into an absolute one.
	ResolvePath func(string) string

	// StopTimeout bounds a cooperative stop. Zero means DefaultStopTimeout.
	StopTimeout time.Duration

	Logger *logrus.Entry
}

// Controller drives one VM. It is the only writer of the VM's runtime state
// and publishes every transition as exactly one event.
type Controller struct {
	id          string
	model       *machine.Model
	store       *registry.Store
	engine      hypervisor.Engine
	caps        hypervisor.Capabilities
	bundle      string
	resolve     func(string) string
	stopTimeout time.Duration
	log         *logrus.Entry
	events      *hub
	unobserve   func()

	mu         sync.Mutex
	state      State
	run        *run
	runVersion uint64
	stop       *pendingStop
}

// run is one engine session, from Configure to Release.
type run struct {
	handle hypervisor.Handle
	cancel context.CancelFunc
	timer  *timing.Timer
	booted bool

	// busy is closed when the start or install goroutine is done with the run.
	busy chan struct{}

	// exited is closed when the engine reported the machine stopped.
	exited  chan struct{}
	exitErr error

	// gone is closed when the run ended and its handle was released.
	gone    chan struct{}
	endOnce sync.Once
}

func newRun(cancel context.CancelFunc) *run {
	return &run{
		cancel: cancel,
		timer:  timing.New(),
		busy:   make(chan struct{}),
		exited: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (r *run) end() {
	r.endOnce.Do(func() {
		r.cancel()
		close(r.gone)
	})
}

type pendingStop struct {
	op       *Operation
	forced   bool
	escalate chan struct{}
}

// NewController creates a stopped controller for the VM held by cfg.Model.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		id:          cfg.Model.ID(),
		model:       cfg.Model,
		store:       cfg.Registry,
		engine:      cfg.Engine,
		caps:        cfg.Engine.Capabilities(),
		bundle:      cfg.Bundle,
		resolve:     cfg.ResolvePath,
		stopTimeout: cfg.StopTimeout,
		log:         cfg.Logger,
		state:       stopped(),
	}
	if c.resolve == nil {
		c.resolve = func(p string) string { return p }
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = DefaultStopTimeout
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("vm", cfg.Model.Name())
	c.events = newHub(c.id)
	c.unobserve = cfg.Model.Observe(func(ch machine.Change) {
		c.events.emit(Event{Kind: EventConfigurationChanged, Change: ch})
	})
	return c
}

func (c *Controller) ID() string { return c.id }

// Model returns the configuration model of the VM.
func (c *Controller) Model() *machine.Model { return c.model }

// Capabilities returns the host capability set the controller validates against.
func (c *Controller) Capabilities() hypervisor.Capabilities { return c.caps }

// State returns the current runtime state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a stream that starts with the current state and then
// carries every later event of this VM.
func (c *Controller) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.subscribe(c.state)
}

// Unsubscribe stops delivery to s. Safe to call more than once.
func (c *Controller) Unsubscribe(s *Subscription) {
	s.Close()
}

// Close detaches the controller from its model and closes all subscriptions.
func (c *Controller) Close() {
	c.unobserve()
	c.events.closeAll()
}

func (c *Controller) registryChanged(e registry.Entry) {
	c.events.emit(Event{Kind: EventRegistryChanged, Entry: &e})
}

// ConfigurationChanged reports whether the configuration changed since the
// current run started, so that a restart is needed to apply it.
func (c *Controller) ConfigurationChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	return c.model.Version() != c.runVersion
}

// Console returns the I/O of the builtin serial at index.
func (c *Controller) Console(serial int) (io.Writer, io.Reader, error) {
	c.mu.Lock()
	s := c.state
	var h hypervisor.Handle
	if c.run != nil {
		h = c.run.handle
	}
	c.mu.Unlock()

	switch s.Phase {
	case PhaseStarted, PhasePaused, PhaseInstalling:
	default:
		return nil, nil, invalidTransition("attach console", s)
	}
	if h == "" {
		return nil, nil, invalidTransition("attach console", s)
	}
	return c.engine.Console(h, serial)
}

// setState records s and publishes it. Must hold c.mu.
func (c *Controller) setState(s State) {
	from := c.state
	c.state = s
	log := c.log.WithFields(logrus.Fields{"from": from.String(), "to": s.String()})
	if from.Phase == s.Phase {
		log.Debug("vm state changed")
	} else {
		log.Info("vm state changed")
	}
	c.events.emit(Event{Kind: EventStateChanged, State: s})
}

// Start boots the VM. It is valid only while stopped and without a pending
// install image.
func (c *Controller) Start(ctx context.Context) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseStopped {
		return rejected(invalidTransition("start", c.state))
	}
	if img := c.model.Snapshot().Boot.InstallImage; img != "" {
		return rejected(fmt.Errorf("start: install image %s is attached, install first: %w", img, ErrInvalidTransition))
	}
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) *Operation {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(cancel)
	params, version, err := c.prepare(ctx, false)
	if err != nil {
		cancel()
		return rejected(err)
	}
	r.timer.Mark("validate")

	c.run = r
	c.runVersion = version
	c.setState(phase(PhaseStarting))

	op := newOperation()
	go c.boot(runCtx, r, params, op)
	return op
}

// prepare marks the model running and resolves engine parameters from the
// committed configuration and registry entry. On failure the model is
// released again and no state changes. Must hold c.mu.
func (c *Controller) prepare(ctx context.Context, install bool) (*hypervisor.Params, uint64, error) {
	c.model.SetRunning(true)
	cfg, version := c.model.Current()

	params, err := c.resolveParams(ctx, cfg, install)
	if err != nil {
		c.model.SetRunning(false)
		return nil, 0, err
	}
	return params, version, nil
}

func (c *Controller) resolveParams(ctx context.Context, cfg *machine.Configuration, install bool) (*hypervisor.Params, error) {
	if err := machine.Validate(cfg, c.caps); err != nil {
		return nil, err
	}
	if err := c.checkCapacity(cfg); err != nil {
		return nil, err
	}
	if install {
		if err := c.checkInstallImage(cfg); err != nil {
			return nil, err
		}
	}

	entry, err := c.store.Entry(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("load registry entry: %w", err)
	}

	var notices []machine.ValidationError
	for _, p := range machine.Check(cfg, c.caps) {
		if !p.Fatal {
			notices = append(notices, p)
		}
	}
	notices = append(notices, machine.ShareNotices(cfg, c.caps, len(entry.SharedDirectories))...)
	if len(notices) > 0 {
		c.log.Warn(machine.FormatValidationErrors(notices))
		c.events.emit(Event{Kind: EventValidationNotice, Notices: notices})
	}

	params := c.params(cfg, entry)
	if install {
		params.InstallImage = c.resolve(cfg.Boot.InstallImage)
	}
	if err := ensureDisks(cfg, c.resolve); err != nil {
		return nil, err
	}
	return params, nil
}

func (c *Controller) checkCapacity(cfg *machine.Configuration) error {
	if c.caps.MaxCPUs > 0 && cfg.Resources.CPUs > c.caps.MaxCPUs {
		return fmt.Errorf("%d CPUs requested, host allows %d: %w",
			cfg.Resources.CPUs, c.caps.MaxCPUs, ErrResourceUnavailable)
	}
	if c.caps.MaxMemoryBytes > 0 && uint64(cfg.Resources.Memory) > c.caps.MaxMemoryBytes {
		return fmt.Errorf("%s of memory requested, host allows %s: %w",
			cfg.Resources.Memory, units.BytesSize(float64(c.caps.MaxMemoryBytes)), ErrResourceUnavailable)
	}
	return nil
}

// boot configures and starts the engine machine for r.
func (c *Controller) boot(ctx context.Context, r *run, params *hypervisor.Params, op *Operation) {
	defer close(r.busy)

	h, err := c.engine.Configure(ctx, params)
	if err != nil {
		c.abortStart(r, op, engineError("configure", ErrEngineStartFailure, err))
		return
	}
	r.timer.Mark("configure")
	c.mu.Lock()
	r.handle = h
	c.mu.Unlock()

	exited, err := c.engine.Start(ctx, h)
	if err != nil {
		c.abortStart(r, op, engineError("start", ErrEngineStartFailure, err))
		return
	}
	r.timer.Mark("engine_start")

	c.mu.Lock()
	if c.run != r || c.state.Phase != PhaseStarting {
		// A forced stop took over; it releases the handle.
		c.mu.Unlock()
		op.complete(h, fmt.Errorf("start: stopped while starting: %w", ErrInvalidTransition))
		return
	}
	r.booted = true
	c.setState(phase(PhaseStarted))
	c.mu.Unlock()

	r.timer.Log(c.log, "vm started")
	if err := c.store.RecordBoot(ctx, c.id); err != nil {
		c.log.WithError(err).Warn("failed to record boot")
	}
	// The watch starts only once started is published, so an exit the
	// engine reported early is handled as a stop of a started VM.
	go c.watch(r, exited)
	op.complete(h, nil)
}

// abortStart undoes a failed start: the handle is released and the state
// returns to stopped. Persisted state is not touched.
func (c *Controller) abortStart(r *run, op *Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := r.handle
	if c.run != r || c.state.Phase != PhaseStarting {
		op.complete(h, err)
		return
	}
	c.releaseLocked(r)
	c.run = nil
	c.model.SetRunning(false)
	c.log.WithError(err).Error("start failed")
	c.setState(stopped())
	op.complete(h, err)
}

// releaseLocked frees the engine handle of r and ends it. Must hold c.mu.
func (c *Controller) releaseLocked(r *run) {
	if r.handle != "" {
		if err := c.engine.Release(r.handle); err != nil {
			c.log.WithError(err).Warn("failed to release engine handle")
		}
		r.handle = ""
	}
	r.end()
}

// watch waits for the engine to report that the machine of r stopped.
func (c *Controller) watch(r *run, exited <-chan error) {
	var err error
	select {
	case err = <-exited:
	case <-r.gone:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r.exitErr = err
	close(r.exited)

	if c.run != r {
		return
	}
	switch c.state.Phase {
	case PhaseStarted, PhasePausing, PhasePaused, PhaseResuming:
	default:
		// A stop in progress finishes the run itself.
		return
	}

	c.model.SetRunning(false)
	if err != nil {
		// The handle stays with the run until a forced stop releases it.
		c.log.WithError(err).Error("vm stopped unexpectedly")
		c.setState(failed(err.Error()))
		go c.recordShutdown(r, false)
		return
	}
	c.releaseLocked(r)
	c.run = nil
	c.setState(stopped())
	go c.recordShutdown(r, true)
}

func (c *Controller) recordShutdown(r *run, clean bool) {
	if !r.booted {
		return
	}
	if err := c.store.RecordShutdown(context.Background(), c.id, clean); err != nil {
		c.log.WithError(err).Warn("failed to record shutdown")
	}
}

// RequestStop stops the VM. A cooperative stop asks the guest to power off
// and is forced after the stop timeout; force terminates it at once.
// Repeating a stop while one is pending returns the pending operation, and
// a force request escalates a pending cooperative stop.
func (c *Controller) RequestStop(ctx context.Context, force bool) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Phase {
	case PhaseStopping:
		if force && !c.stop.forced {
			c.stop.forced = true
			close(c.stop.escalate)
			c.log.Info("escalating stop")
		}
		return c.stop.op
	case PhaseStarted:
		if !force {
			if err := c.caps.Require(hypervisor.FeatureCooperativeStop); err != nil {
				return rejected(fmt.Errorf("stop: %w: %w", ErrResourceUnavailable, err))
			}
		}
		return c.stopLocked(ctx, force)
	case PhaseStarting, PhasePausing, PhasePaused, PhaseResuming, PhaseInstalling, PhaseError:
		if !force {
			return rejected(invalidTransition("stop", c.state))
		}
		return c.stopLocked(ctx, true)
	default:
		return rejected(invalidTransition("stop", c.state))
	}
}

// CancelInstall aborts a running installation. The install image stays
// attached.
func (c *Controller) CancelInstall(ctx context.Context) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseInstalling {
		return rejected(invalidTransition("cancel install", c.state))
	}
	return c.stopLocked(ctx, true)
}

func (c *Controller) stopLocked(ctx context.Context, force bool) *Operation {
	r, prev := c.run, c.state.Phase
	op := newOperation()
	if r == nil {
		c.model.SetRunning(false)
		c.setState(stopped())
		op.complete("", nil)
		return op
	}

	ps := &pendingStop{op: op, forced: force, escalate: make(chan struct{})}
	c.stop = ps
	c.setState(phase(PhaseStopping))
	go c.shutdown(context.WithoutCancel(ctx), r, r.handle, ps, prev, force)
	return op
}

// shutdown carries out a stop of r. h is the handle at the time of the
// request and prev the phase the stop was requested from.
func (c *Controller) shutdown(ctx context.Context, r *run, h hypervisor.Handle, ps *pendingStop, prev Phase, force bool) {
	if !force {
		if err := c.engine.RequestStop(ctx, h, false); err != nil {
			c.log.WithError(err).Warn("cooperative stop failed, forcing")
		} else {
			timer := time.NewTimer(c.stopTimeout)
			defer timer.Stop()
			select {
			case <-r.exited:
				c.finishStop(r, ps, r.exitErr == nil)
				return
			case <-timer.C:
				c.log.WithField("timeout", c.stopTimeout).Warn("guest did not stop in time, forcing")
			case <-ps.escalate:
			}
		}
	}

	// Abort a start or install in flight and wait until it let go of the run.
	r.cancel()
	<-r.busy

	c.mu.Lock()
	h = r.handle
	c.mu.Unlock()
	if h != "" && prev != PhaseError {
		if err := c.engine.RequestStop(ctx, h, true); err != nil {
			c.log.WithError(err).Debug("forced stop")
		}
	}
	c.finishStop(r, ps, false)
}

func (c *Controller) finishStop(r *run, ps *pendingStop, clean bool) {
	c.mu.Lock()
	h := r.handle
	c.releaseLocked(r)
	if c.run == r {
		c.run = nil
		c.stop = nil
		c.model.SetRunning(false)
		c.setState(stopped())
	}
	c.mu.Unlock()

	c.recordShutdown(r, clean)
	ps.op.complete(h, nil)
}

// Pause suspends a started VM.
func (c *Controller) Pause(ctx context.Context) *Operation {
	return c.suspendResume(ctx, "pause", PhaseStarted, PhasePausing, PhasePaused, c.engine.Pause)
}

// Resume continues a paused VM.
func (c *Controller) Resume(ctx context.Context) *Operation {
	return c.suspendResume(ctx, "resume", PhasePaused, PhaseResuming, PhaseStarted, c.engine.Resume)
}

func (c *Controller) suspendResume(ctx context.Context, name string, from, via, to Phase,
	call func(context.Context, hypervisor.Handle) error) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != from {
		return rejected(invalidTransition(name, c.state))
	}
	r := c.run
	h := r.handle
	c.setState(phase(via))

	op := newOperation()
	go func() {
		err := call(ctx, h)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.run != r || c.state.Phase != via {
			op.complete(h, fmt.Errorf("%s: interrupted by %s: %w", name, c.state, ErrInvalidTransition))
			return
		}
		if err != nil {
			err = engineError(name, ErrEngineRuntimeFailure, err)
			c.log.WithError(err).Error(name + " failed")
			c.setState(phase(from))
			op.complete(h, err)
			return
		}
		c.setState(phase(to))
		op.complete(h, nil)
	}()
	return op
}
