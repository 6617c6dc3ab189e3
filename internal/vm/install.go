package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/media"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// RequestInstall runs the guest installer from the configured install image.
// image, when not empty, must name the attached image. Progress is published
// as installing states; on success the image is detached and the VM started.
func (c *Controller) RequestInstall(ctx context.Context, image string) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseStopped {
		return rejected(invalidTransition("install", c.state))
	}
	if err := c.caps.Require(hypervisor.FeatureInstall); err != nil {
		return rejected(fmt.Errorf("install: %w: %w", ErrResourceUnavailable, err))
	}
	if image != "" {
		attached := c.model.Snapshot().Boot.InstallImage
		if attached == "" || c.resolve(image) != c.resolve(attached) {
			return rejected(fmt.Errorf("install: %s is not the attached install image: %w", image, ErrConfigurationInvalid))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(cancel)
	params, version, err := c.prepare(ctx, true)
	if err != nil {
		cancel()
		return rejected(err)
	}

	c.run = r
	c.runVersion = version
	c.setState(installing(0))

	op := newOperation()
	go c.install(runCtx, r, params, op)
	return op
}

// checkInstallImage verifies that the attached install image exists and can
// install the guest OS.
func (c *Controller) checkInstallImage(cfg *machine.Configuration) error {
	if cfg.Boot.InstallImage == "" {
		return fmt.Errorf("install: no install image attached: %w", ErrConfigurationInvalid)
	}
	_, err := media.CheckFor(c.resolve(cfg.Boot.InstallImage), cfg.Boot.OS)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, media.ErrMissing):
		return fmt.Errorf("install: %w: %w", ErrResourceUnavailable, err)
	default:
		return fmt.Errorf("install: %w: %w", ErrConfigurationInvalid, err)
	}
}

// install configures the engine in install mode and follows the installer.
func (c *Controller) install(ctx context.Context, r *run, params *hypervisor.Params, op *Operation) {
	defer close(r.busy)

	h, err := c.engine.Configure(ctx, params)
	if err != nil {
		c.failInstall(r, op, engineError("configure", ErrEngineStartFailure, err))
		return
	}
	c.mu.Lock()
	r.handle = h
	c.mu.Unlock()

	progress, err := c.engine.Install(ctx, h, params.InstallImage)
	if err != nil {
		c.failInstall(r, op, engineError("install", ErrEngineStartFailure, err))
		return
	}

	var last float64
	var failure error
	for p := range progress {
		if p.Err != nil {
			failure = p.Err
			continue
		}
		// Published progress never goes backwards.
		f := min(max(p.Fraction, 0), 1)
		if f <= last {
			continue
		}
		last = f
		c.mu.Lock()
		if c.run == r && c.state.Phase == PhaseInstalling {
			c.setState(installing(f))
		}
		c.mu.Unlock()
	}

	if ctx.Err() != nil {
		op.complete(h, fmt.Errorf("install cancelled: %w", ctx.Err()))
		return
	}
	if failure == nil && last < 1 {
		failure = errors.New("installer stopped before completion")
	}
	if failure != nil {
		c.failInstall(r, op, engineError("install", ErrEngineRuntimeFailure, failure))
		return
	}
	c.finishInstall(ctx, r, op)
}

// failInstall moves to the error state. The install image stays attached and
// the handle is released by the forced stop that leaves the error state.
func (c *Controller) failInstall(r *run, op *Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == r && c.state.Phase == PhaseInstalling {
		c.model.SetRunning(false)
		c.log.WithError(err).Error("install failed")
		c.setState(failed(reason(err)))
	}
	op.complete(r.handle, err)
}

// finishInstall detaches the install image and restarts the VM. Both happen
// under the controller lock, so no observer sees the VM stopped with the
// image still attached.
func (c *Controller) finishInstall(ctx context.Context, r *run, op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := r.handle
	if c.run != r || c.state.Phase != PhaseInstalling {
		op.complete(h, fmt.Errorf("install: interrupted by %s: %w", c.state, ErrInvalidTransition))
		return
	}
	c.releaseLocked(r)
	c.run = nil
	c.model.SetRunning(false)

	if err := c.model.Apply("boot.install_image", ""); err != nil {
		err = fmt.Errorf("install finished but the install image could not be detached: %w", err)
		c.log.WithError(err).Error("install finalization failed")
		c.setState(failed(reason(err)))
		op.complete(h, err)
		return
	}
	c.log.Info("install finished, starting vm")
	c.setState(stopped())

	start := c.startLocked(context.WithoutCancel(ctx))
	go func() {
		err := start.Wait(context.Background())
		if err != nil {
			err = fmt.Errorf("restart after install: %w", err)
		}
		op.complete(start.Handle(), err)
	}()
}
