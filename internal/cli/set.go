package cli

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

var setCmd = &cobra.Command{
	Use:   "set <name> <path> <value>",
	Short: "Change a VM setting",
	Long: `Change one setting of a VM's configuration.

Scalar paths:
  name, boot.os, boot.install_image, resources.cpus, resources.memory,
  virtualization.<flag> (balloon, entropy, audio, keyboard, pointer, rosetta,
  clipboard, nested_virtualization)

Device paths take [+] to append or [i] to replace; the value "none" at [i]
removes the device:
  displays[+] 1920x1080
  serials[+] builtin|other
  networks[+] nat|bridged:<interface>
  drives[+] <id>=<size> | removable:<id>

Only removable drives can be added or removed while the VM runs.`,
	Args: cobra.ExactArgs(3),
	RunE: runSet,
}

var devicePath = regexp.MustCompile(`^(displays|serials|networks|drives)\[(\+|\d+)\]$`)

func runSet(cmd *cobra.Command, args []string) error {
	ref, path, raw := args[0], args[1], args[2]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Get(ref)
	if err != nil {
		return err
	}

	value, err := parseValue(path, raw)
	if err != nil {
		return err
	}

	model := a.library.Model(cfg)
	running, err := a.library.InUse(cfg.ID)
	if err != nil {
		return err
	}
	model.SetRunning(running)

	if err := model.Apply(path, value); err != nil {
		return summarize(err)
	}
	a.printf("Set %s on '%s'\n", path, model.Name())
	if running {
		a.println("The VM is running; the change takes effect at its next start.")
	}
	return nil
}

// parseValue converts the command line value for path into what the
// configuration model accepts.
func parseValue(path, raw string) (any, error) {
	match := devicePath.FindStringSubmatch(path)
	if match == nil {
		return raw, nil
	}
	if raw == "none" {
		if match[2] == "+" {
			return nil, fmt.Errorf("cannot append nothing to %s", match[1])
		}
		return nil, nil
	}
	switch match[1] {
	case "displays":
		return parseDisplay(raw)
	case "serials":
		return parseSerial(raw)
	case "networks":
		return parseNetwork(raw)
	default:
		return parseDrive(raw)
	}
}

func parseDisplay(s string) (machine.Display, error) {
	var d machine.Display
	if _, err := fmt.Sscanf(s, "%dx%d", &d.Width, &d.Height); err != nil {
		return d, fmt.Errorf("invalid display size %q, want WIDTHxHEIGHT", s)
	}
	return d, nil
}

func parseSerial(s string) (machine.Serial, error) {
	switch machine.SerialMode(s) {
	case machine.SerialBuiltin:
		return machine.Serial{
			Mode:     machine.SerialBuiltin,
			Terminal: &machine.Terminal{Columns: 80, Rows: 24},
		}, nil
	case machine.SerialOther:
		return machine.Serial{Mode: machine.SerialOther}, nil
	}
	return machine.Serial{}, fmt.Errorf("invalid serial %q, want builtin or other", s)
}

func parseNetwork(s string) (machine.Network, error) {
	mode, iface, _ := strings.Cut(s, ":")
	switch mode {
	case hypervisor.NetworkNAT:
		return machine.Network{Mode: mode}, nil
	case hypervisor.NetworkBridged:
		if iface == "" {
			return machine.Network{}, fmt.Errorf("bridged network needs an interface, e.g. bridged:en0")
		}
		return machine.Network{Mode: mode, Interface: iface}, nil
	}
	return machine.Network{}, fmt.Errorf("invalid network %q, want nat or bridged:<interface>", s)
}

func parseDrive(s string) (machine.Drive, error) {
	if id, ok := strings.CutPrefix(s, "removable:"); ok {
		if id == "" {
			return machine.Drive{}, fmt.Errorf("removable drive needs an id")
		}
		return machine.Drive{ID: id, Removable: true}, nil
	}
	id, size, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return machine.Drive{}, fmt.Errorf("invalid drive %q, want <id>=<size> or removable:<id>", s)
	}
	n, err := machine.ParseSize(size)
	if err != nil {
		return machine.Drive{}, err
	}
	return machine.Drive{ID: id, ImagePath: id + ".img", Size: n}, nil
}
