package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Manage removable drive images",
	Long: `Bind disk images to a VM's removable drives.

Removable drives are declared in the configuration without an image; the
image is bound here and kept in the VM's registry entry. Unbound drives are
left out when the VM starts.`,
}

var driveBindCmd = &cobra.Command{
	Use:   "bind <drive> <image>",
	Short: "Bind an image to a removable drive",
	Args:  cobra.ExactArgs(2),
	RunE:  runDriveBind,
}

var driveUnbindCmd = &cobra.Command{
	Use:   "unbind <drive>",
	Short: "Remove the image of a removable drive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDriveUnbind,
}

var driveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drives and their images",
	Args:  cobra.NoArgs,
	RunE:  runDriveList,
}

var (
	driveVM       string
	driveReadOnly bool
)

func init() {
	driveCmd.PersistentFlags().StringVar(&driveVM, "vm", "", "VM to act on (default: the active VM)")
	driveBindCmd.Flags().BoolVar(&driveReadOnly, "read-only", false, "Attach the image read-only")

	driveCmd.AddCommand(driveBindCmd)
	driveCmd.AddCommand(driveUnbindCmd)
	driveCmd.AddCommand(driveListCmd)
}

// removableDrive checks that id names a removable drive of cfg.
func removableDrive(cfg *machine.Configuration, id string) error {
	for _, d := range cfg.Drives {
		if d.ID != id {
			continue
		}
		if !d.Removable {
			return fmt.Errorf("drive %q of '%s' is not removable", id, cfg.Name)
		}
		return nil
	}
	return fmt.Errorf("'%s' has no drive %q", cfg.Name, id)
}

func runDriveBind(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Resolve(driveVM)
	if err != nil {
		return err
	}
	if err := removableDrive(cfg, args[0]); err != nil {
		return err
	}
	image, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}

	b := registry.DriveBinding{ImagePath: image, ReadOnly: driveReadOnly}
	if err := a.store.BindDrive(cmd.Context(), cfg.ID, args[0], b); err != nil {
		return summarize(err)
	}
	a.printf("Bound %s to drive %s of '%s'\n", image, args[0], cfg.Name)
	return nil
}

func runDriveUnbind(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Resolve(driveVM)
	if err != nil {
		return err
	}
	if err := removableDrive(cfg, args[0]); err != nil {
		return err
	}
	if err := a.store.UnbindDrive(cmd.Context(), cfg.ID, args[0]); err != nil {
		return summarize(err)
	}
	a.printf("Unbound drive %s of '%s'\n", args[0], cfg.Name)
	return nil
}

func runDriveList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Resolve(driveVM)
	if err != nil {
		return err
	}
	bindings, err := a.store.Drives(cmd.Context(), cfg.ID)
	if err != nil {
		return err
	}
	if len(cfg.Drives) == 0 {
		a.printf("'%s' has no drives\n", cfg.Name)
		return nil
	}
	printDrives(a, cfg, bindings)
	return nil
}

func printDrives(a *app, cfg *machine.Configuration, bindings map[string]registry.DriveBinding) {
	for _, d := range cfg.Drives {
		mode := ""
		if d.ReadOnly {
			mode = ", read-only"
		}
		if !d.Removable {
			a.printf("  %s: %s (%s%s)\n", d.ID, a.library.ImagePath(cfg, d.ImagePath), d.Size, mode)
			continue
		}
		b, ok := bindings[d.ID]
		if !ok {
			a.printf("  %s: removable, empty\n", d.ID)
			continue
		}
		if b.ReadOnly {
			mode = ", read-only"
		}
		a.printf("  %s: removable, %s%s\n", d.ID, b.ImagePath, mode)
	}
}
