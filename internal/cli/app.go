package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/config"
	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/internal/vm"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// app bundles what the commands share: settings, the logger, the VM
// library and the registry store.
type app struct {
	cfg     *config.Config
	log     *logrus.Entry
	library *machine.Library
	store   *registry.Store
	out     io.Writer
}

// newEngine creates the hypervisor engine. Tests replace it.
var newEngine = func(a *app) (hypervisor.Engine, error) {
	return hypervisor.New(hypervisor.Options{
		Name:          a.cfg.Engine,
		LibvirtSocket: a.cfg.LibvirtSocket,
		Logger:        a.log,
	})
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg := config.Global
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log := logrus.NewEntry(logger)

	return &app{
		cfg:     cfg,
		log:     log,
		library: machine.NewLibrary(cfg.DataDir),
		store:   registry.New(registry.NewFileBackend(cfg.RegistryDir()), registry.WithLogger(log)),
		out:     cmd.OutOrStdout(),
	}, nil
}

// engine creates the engine and logs what it found.
func (a *app) engine() (hypervisor.Engine, error) {
	if !hypervisor.SupportedPlatform() {
		return nil, hypervisor.ErrUnsupportedPlatform
	}
	eng, err := newEngine(a)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	info := eng.Info()
	a.log.WithFields(logrus.Fields{
		"engine":  info.Name,
		"version": info.Version,
		"arch":    info.Arch,
	}).Debug("engine ready")
	return eng, nil
}

func (a *app) manager(eng hypervisor.Engine) *vm.Manager {
	return vm.NewManager(vm.ManagerConfig{
		Library:     a.library,
		Registry:    a.store,
		Engine:      eng,
		StopTimeout: a.cfg.StopTimeout,
		Logger:      a.log,
	})
}

// printf writes to the command output.
func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

// vmArg returns the optional VM reference of a command.
func vmArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// userError shows the short summary of an error while keeping it
// matchable with errors.Is.
type userError struct {
	err error
}

func (e *userError) Error() string { return vm.Summary(e.err) }
func (e *userError) Unwrap() error { return e.err }

func summarize(err error) error {
	if err == nil {
		return nil
	}
	return &userError{err: err}
}
