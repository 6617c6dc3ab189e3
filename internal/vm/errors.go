package vm

import (
	"errors"
	"fmt"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Error kinds reported by the controller. Callers match them with errors.Is.
var (
	ErrConfigurationInvalid = machine.ErrConfigurationInvalid
	ErrMutationWhileRunning = machine.ErrMutationWhileRunning
	ErrStaleIndex           = registry.ErrStaleIndex

	ErrInvalidTransition    = errors.New("operation not valid in the current state")
	ErrResourceUnavailable  = errors.New("host resource unavailable")
	ErrEngineStartFailure   = errors.New("engine failed to start the VM")
	ErrEngineRuntimeFailure = errors.New("engine failed while the VM was running")
)

// EngineError wraps an engine failure with the operation that caused it.
// It matches its Kind and the underlying error with errors.Is.
type EngineError struct {
	Op   string
	Kind error
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// engineError classifies err from op. Host shortages keep their own kind
// so that the caller can offer a remediation.
func engineError(op string, kind, err error) error {
	if errors.Is(err, hypervisor.ErrResourceUnavailable) || errors.Is(err, hypervisor.ErrUnsupported) {
		kind = ErrResourceUnavailable
	}
	return &EngineError{Op: op, Kind: kind, Err: err}
}

func invalidTransition(op string, s State) error {
	return fmt.Errorf("%s while %s: %w", op, s, ErrInvalidTransition)
}

// Summary returns the short text shown to a user for err.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var invalid *machine.InvalidError
	var engine *EngineError
	switch {
	case errors.As(err, &invalid):
		return machine.FormatValidationErrors(invalid.Problems)
	case errors.Is(err, ErrConfigurationInvalid):
		return err.Error()
	case errors.Is(err, ErrInvalidTransition):
		return "Not now: " + err.Error()
	case errors.Is(err, ErrStaleIndex):
		return "The list changed in another window. Refresh and try again."
	case errors.Is(err, ErrMutationWhileRunning):
		return "Stop the VM before changing this setting."
	case errors.Is(err, ErrResourceUnavailable):
		return "The host cannot provide this: " + rootCause(err).Error() +
			". Free resources or adjust the configuration."
	case errors.As(err, &engine):
		return fmt.Sprintf("The VM could not %s: %v", engine.Op, rootCause(engine.Err))
	default:
		return err.Error()
	}
}

// reason returns the short cause of err for an error state.
func reason(err error) string {
	var engine *EngineError
	if errors.As(err, &engine) {
		return rootCause(engine.Err).Error()
	}
	return rootCause(err).Error()
}

// rootCause returns the innermost error of a single-wrap chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
