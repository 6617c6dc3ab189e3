package machine

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// ErrConfigurationInvalid is wrapped by every structural or capability
// violation found by Validate.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// InvalidError carries the fatal problems of a failed validation.
type InvalidError struct {
	Problems []ValidationError
}

func (e *InvalidError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, fmt.Sprintf("%s: %s", p.Field, p.Message))
	}
	return fmt.Sprintf("%s: %s", ErrConfigurationInvalid, strings.Join(msgs, "; "))
}

func (e *InvalidError) Unwrap() error {
	return ErrConfigurationInvalid
}

// Check returns every problem with c on a host with caps, fatal or not.
func Check(c *Configuration, caps hypervisor.Capabilities) []ValidationError {
	var problems []ValidationError
	fatal := func(field, format string, args ...any) {
		problems = append(problems, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}
	warn := func(field, format string, args ...any) {
		problems = append(problems, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Name) == "" {
		fatal("name", "name is required")
	}

	switch c.Boot.OS {
	case hypervisor.GuestLinux:
	case hypervisor.GuestMacOS:
		if !caps.Has(hypervisor.FeatureMacOSGuest) {
			fatal("boot.os", "macOS guests are not supported on this host")
		}
	default:
		fatal("boot.os", "unknown operating system %q", c.Boot.OS)
	}
	if c.Boot.InstallImage != "" && !caps.Has(hypervisor.FeatureInstall) {
		fatal("boot.install_image", "installation is not supported on this host")
	}

	if c.Resources.CPUs < 1 {
		fatal("resources.cpus", "at least 1 CPU is required")
	}
	if uint64(c.Resources.Memory) < hypervisor.MinMemoryBytes {
		fatal("resources.memory", "memory must be at least %s", Size(hypervisor.MinMemoryBytes))
	}

	if len(c.Displays) > 0 {
		need := hypervisor.FeatureLinuxDisplay
		if c.Boot.OS == hypervisor.GuestMacOS {
			need = hypervisor.FeatureMacOSDisplay
		}
		if !caps.Has(need) {
			fatal("displays", "displays for %s guests are not supported on this host", c.Boot.OS)
		}
	}
	for i, d := range c.Displays {
		if d.Width <= 0 || d.Height <= 0 {
			fatal(fmt.Sprintf("displays[%d]", i), "invalid resolution %dx%d", d.Width, d.Height)
		}
	}

	builtin := 0
	for i, s := range c.Serials {
		switch s.Mode {
		case SerialBuiltin:
			builtin++
		case SerialOther:
		default:
			fatal(fmt.Sprintf("serials[%d]", i), "unknown serial mode %q", s.Mode)
		}
	}
	if builtin > 1 {
		fatal("serials", "at most one builtin serial is allowed, found %d", builtin)
	}

	for i, n := range c.Networks {
		field := fmt.Sprintf("networks[%d]", i)
		switch n.Mode {
		case hypervisor.NetworkNAT:
		case hypervisor.NetworkBridged:
			if n.Interface == "" {
				fatal(field, "bridged network needs a host interface")
			}
			if !caps.Has(hypervisor.FeatureBridgedNetwork) {
				fatal(field, "bridged networking is not supported on this host")
			}
		default:
			fatal(field, "unknown network mode %q", n.Mode)
		}
		if n.MACAddress != "" {
			if _, err := net.ParseMAC(n.MACAddress); err != nil {
				fatal(field, "invalid MAC address %q", n.MACAddress)
			}
		}
	}

	ids := make(map[string]bool)
	for i, d := range c.Drives {
		field := fmt.Sprintf("drives[%d]", i)
		if d.ID == "" {
			fatal(field, "drive id is required")
		} else if ids[d.ID] {
			fatal(field, "duplicate drive id %q", d.ID)
		}
		ids[d.ID] = true
		if d.Removable {
			continue
		}
		if d.ImagePath == "" {
			fatal(field, "image path is required")
		}
		if d.Size == 0 {
			fatal(field, "drive size must be greater than zero")
		}
	}

	for _, name := range sortedFlagNames() {
		f := virtualizationFlags[name]
		if !*f.field(&c.Virtualization) {
			continue
		}
		if !caps.Has(f.feature) {
			fatal("virtualization."+name, "%s is not supported on this host", name)
		}
	}
	if c.Virtualization.Rosetta && c.Boot.OS != hypervisor.GuestLinux {
		fatal("virtualization.rosetta", "rosetta is only available to Linux guests")
	}

	if caps.MaxCPUs > 0 && c.Resources.CPUs > caps.MaxCPUs {
		warn("resources.cpus", "host allows at most %d CPUs", caps.MaxCPUs)
	}

	return problems
}

// Validate checks c against caps and returns an *InvalidError wrapping
// ErrConfigurationInvalid when any fatal problem is found.
func Validate(c *Configuration, caps hypervisor.Capabilities) error {
	var fatal []ValidationError
	for _, p := range Check(c, caps) {
		if p.Fatal {
			fatal = append(fatal, p)
		}
	}
	if len(fatal) > 0 {
		return &InvalidError{Problems: fatal}
	}
	return nil
}

// ShareNotices returns non-fatal notices about shared directories that the
// host cannot expose to this guest. Sharing is skipped, not refused.
func ShareNotices(c *Configuration, caps hypervisor.Capabilities, shares int) []ValidationError {
	if shares == 0 {
		return nil
	}
	need := hypervisor.FeatureSharedDirectories
	if c.Boot.OS == hypervisor.GuestMacOS {
		need = hypervisor.FeatureMacOSSharedDirectories
	}
	if caps.Has(need) {
		return nil
	}
	return []ValidationError{{
		Field:   "shares",
		Message: fmt.Sprintf("shared directories are not supported for %s guests on this host and will be ignored", c.Boot.OS),
	}}
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}

func sortedFlagNames() []string {
	names := make([]string, 0, len(virtualizationFlags))
	for name := range virtualizationFlags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
