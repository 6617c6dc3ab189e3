package vm

import "fmt"

// Phase is the lifecycle phase of a VM.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseStarted
	PhasePausing
	PhasePaused
	PhaseResuming
	PhaseStopping
	PhaseInstalling
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseStarted:
		return "started"
	case PhasePausing:
		return "pausing"
	case PhasePaused:
		return "paused"
	case PhaseResuming:
		return "resuming"
	case PhaseStopping:
		return "stopping"
	case PhaseInstalling:
		return "installing"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the runtime state of a VM. Progress is meaningful while
// installing and Reason in the error phase.
type State struct {
	Phase    Phase
	Progress float64
	Reason   string
}

func (s State) String() string {
	switch s.Phase {
	case PhaseInstalling:
		return fmt.Sprintf("installing(%.0f%%)", s.Progress*100)
	case PhaseError:
		return fmt.Sprintf("error(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// Active reports whether an engine run may hold resources.
func (s State) Active() bool {
	return s.Phase != PhaseStopped
}

func stopped() State             { return State{Phase: PhaseStopped} }
func installing(p float64) State { return State{Phase: PhaseInstalling, Progress: p} }
func failed(reason string) State { return State{Phase: PhaseError, Reason: reason} }
func phase(p Phase) State        { return State{Phase: p} }
