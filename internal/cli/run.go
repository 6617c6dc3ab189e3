package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/session"
	"github.com/javanstorm/vmctl/internal/terminal"
	"github.com/javanstorm/vmctl/internal/timing"
	"github.com/javanstorm/vmctl/internal/vm"
)

// Startup timing (VMCTL_TIMING=1) reports config_load, engine_create and
// controller_ready. The engine side (validate, configure, engine_start) is
// logged by the controller at debug level.

var runCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Start a VM in the foreground",
	Long: `Start a VM and attach this terminal to its builtin serial console.
If no name is given, the active VM is started.

Press Ctrl+] twice to detach, which stops the VM. An interrupt asks the
guest to shut down; a second interrupt forces it off.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runInstall bool
	runYes     bool
)

func init() {
	runCmd.Flags().BoolVar(&runInstall, "install", false, "Run the installer from the attached install image")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Do not ask before installing")
}

func runRun(cmd *cobra.Command, args []string) error {
	return runVM(cmd, vmArg(args), runInstall, "")
}

// runVM runs the VM ref until it stops. With install set the installer runs
// first, from image when given or from the attached install image.
func runVM(cmd *cobra.Command, ref string, install bool, image string) error {
	timer := timing.New()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Resolve(ref)
	if err != nil {
		return err
	}

	// The bundle lock marks the VM as running for other vmctl processes.
	lock, err := a.library.Lock(cfg.ID)
	if errors.Is(err, machine.ErrInUse) {
		return fmt.Errorf("VM '%s' is already running in another process", cfg.Name)
	}
	if err != nil {
		return err
	}
	defer lock.Unlock()
	timer.Mark("config_load")

	eng, err := a.engine()
	if err != nil {
		return err
	}
	timer.Mark("engine_create")

	mgr := a.manager(eng)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	defer func() {
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StopTimeout)
		defer scancel()
		if err := mgr.Shutdown(sctx); err != nil {
			a.log.WithError(err).Warn("shutdown failed")
		}
	}()

	ctrl, err := mgr.Controller(cfg.ID)
	if err != nil {
		return err
	}
	if install && image != "" {
		abs, err := checkInstallImage(image, cfg.Boot.OS)
		if err != nil {
			return err
		}
		if err := ctrl.Model().Apply("boot.install_image", abs); err != nil {
			return summarize(err)
		}
	}

	profile := ctrl.Model().Profile()
	sessions := session.NewRegistry()
	surfaces := sessions.OpenPlan(cfg.ID, profile)
	serial, hasSerial := consoleSerial(surfaces)
	timer.Mark("controller_ready")

	if len(surfaces) > 0 {
		primary := surfaces[0]
		if install && !confirmInstall(cmd, a, sessions, primary) {
			a.println("Install cancelled.")
			return nil
		}
		if err := showShareNotice(ctx, a, sessions, primary, cfg.ID); err != nil {
			a.log.WithError(err).Warn("failed to read shared directories")
		}
		if primary.Target.Kind == session.KindDisplay {
			a.println("The display is not shown by vmctl.")
		}
	}
	printWindows(a, sessions.WindowMenu(cfg.ID, serial, profile))

	var attach func(context.Context) error
	if hasSerial {
		attach = func(ctx context.Context) error {
			return terminal.Current().AttachSerial(ctx, ctrl, serial.Index)
		}
	} else {
		a.println("No builtin serial terminal. Interrupt to stop the VM.")
	}

	timer.Log(a.log, "run prepared")
	if os.Getenv("VMCTL_TIMING") == "1" {
		timer.Report(os.Stderr, "Startup timing")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	begin := func() *vm.Operation { return ctrl.Start(ctx) }
	if install {
		begin = func() *vm.Operation { return ctrl.RequestInstall(ctx, "") }
	}
	return summarize(foreground(ctx, ctrl, begin, attach, sigCh, a.out))
}

// consoleSerial returns the first serial surface, the one the terminal
// attaches to.
func consoleSerial(surfaces []session.Surface) (session.Target, bool) {
	for _, s := range surfaces {
		if s.Target.Kind == session.KindSerial {
			return s.Target, true
		}
	}
	return session.Target{}, false
}

// printWindows lists what else the VM can show when there is more than the
// console.
func printWindows(a *app, items []session.MenuItem) {
	if len(items) < 2 {
		return
	}
	a.println("Windows:")
	for _, item := range items {
		switch {
		case item.Current:
			a.printf("  %s (this terminal)\n", item.Title)
		case item.Open:
			a.printf("  %s (open)\n", item.Title)
		default:
			a.printf("  %s\n", item.Title)
		}
	}
}

// confirmInstall asks once per surface before the installer may erase the
// primary drive.
func confirmInstall(cmd *cobra.Command, a *app, sessions *session.Registry, s session.Surface) bool {
	if sessions.Acknowledged(s.ID, session.NoticeInstall) {
		return true
	}
	if !runYes {
		a.printf("Installing may erase the primary drive of this VM. Continue? [y/N] ")
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			return false
		}
	}
	sessions.Acknowledge(s.ID, session.NoticeInstall)
	return true
}

// showShareNotice explains how to mount the shared directories, once per
// surface.
func showShareNotice(ctx context.Context, a *app, sessions *session.Registry, s session.Surface, id string) error {
	if sessions.Acknowledged(s.ID, session.NoticeSharePath) {
		return nil
	}
	shares, err := a.store.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if len(shares) == 0 {
		return nil
	}
	a.println("Shared directories (mount with: mount -t virtiofs <tag> <mountpoint>):")
	tags := vm.ShareTags(shares)
	for i, sd := range shares {
		a.printf("  %s -> %s\n", tags[i], sd.Path)
	}
	return sessions.Acknowledge(s.ID, session.NoticeSharePath)
}

// foreground runs begin and follows the VM until it stops. attach, when
// set, runs once the VM is started. The first signal asks the guest to shut
// down and the next one forces it off; detaching from the console stops the
// VM the same way.
func foreground(ctx context.Context, ctrl *vm.Controller, begin func() *vm.Operation,
	attach func(context.Context) error, signals <-chan os.Signal, out io.Writer) error {
	sub := ctrl.Subscribe()
	defer sub.Close()
	events := sub.Events()
	<-events // current state

	op := begin()
	if err := op.Err(); err != nil {
		return err
	}
	pending := op.Done()

	attachCtx, detach := context.WithCancel(ctx)
	defer detach()
	var attached chan error
	booted := false
	interrupts := 0
	progress := -1

	for {
		select {
		case <-pending:
			pending = nil
			if err := op.Err(); err != nil {
				if interrupts > 0 {
					fmt.Fprintln(out, "Stopped before the VM came up.")
					return nil
				}
				return err
			}

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case vm.EventValidationNotice:
				for _, n := range ev.Notices {
					fmt.Fprintf(out, "Note: %s\n", n.Message)
				}
			case vm.EventStateChanged:
				switch ev.State.Phase {
				case vm.PhaseInstalling:
					if pct := int(ev.State.Progress * 100); pct != progress {
						progress = pct
						fmt.Fprintf(out, "Installing: %d%%\n", pct)
					}
				case vm.PhaseStarted:
					if !booted && attach != nil {
						ch := make(chan error, 1)
						attached = ch
						go func() { ch <- attach(attachCtx) }()
					}
					booted = true
				case vm.PhaseStopped:
					// An install passes through stopped on its way to the
					// first boot.
					if booted {
						return nil
					}
				case vm.PhaseError:
					fmt.Fprintf(out, "VM failed: %s\n", ev.State.Reason)
					if err := ctrl.RequestStop(ctx, true).Wait(ctx); err != nil {
						return err
					}
					return fmt.Errorf("vm failed: %s: %w", ev.State.Reason, vm.ErrEngineRuntimeFailure)
				}
			}

		case err := <-attached:
			attached = nil
			if errors.Is(err, terminal.ErrEscapeSequence) {
				interrupts++
				requestStop(ctx, ctrl, false, out)
			}

		case <-signals:
			interrupts++
			requestStop(ctx, ctrl, interrupts > 1, out)

		case <-ctx.Done():
			ctrl.RequestStop(context.WithoutCancel(ctx), true)
			return ctx.Err()
		}
	}
}

// requestStop stops the VM: an install is cancelled, a started VM is asked
// to shut down unless force is set, anything else is forced off.
func requestStop(ctx context.Context, ctrl *vm.Controller, force bool, out io.Writer) {
	if ctrl.State().Phase == vm.PhaseInstalling {
		fmt.Fprintln(out, "Cancelling install...")
		ctrl.CancelInstall(ctx)
		return
	}
	if !force {
		// A cooperative stop fails at once when the host cannot deliver it
		// or the VM is not started yet.
		if ctrl.RequestStop(ctx, false).Err() == nil {
			fmt.Fprintln(out, "Stopping VM (interrupt again to force)...")
			return
		}
	}
	fmt.Fprintln(out, "Forcing VM off...")
	ctrl.RequestStop(ctx, true)
}
