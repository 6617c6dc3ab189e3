package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/machine"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shared directories",
	Long: `Add, list, remove and change host directories shared with a VM.

Shares are kept in the VM's registry entry and can be changed while the VM
runs; they are applied at the next start. Indices come from 'share list'.
When another session changed the list first, the command fails and asks
to refresh.`,
}

var shareAddCmd = &cobra.Command{
	Use:   "add <dir>",
	Short: "Share a host directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runShareAdd,
}

var shareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shared directories",
	Args:  cobra.NoArgs,
	RunE:  runShareList,
}

var shareRemoveCmd = &cobra.Command{
	Use:   "remove <index>",
	Short: "Stop sharing a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runShareRemove,
}

var shareToggleCmd = &cobra.Command{
	Use:   "toggle <index>",
	Short: "Toggle read-only access of a share",
	Args:  cobra.ExactArgs(1),
	RunE:  runShareToggle,
}

var shareChangeCmd = &cobra.Command{
	Use:   "change <index> <dir>",
	Short: "Point a share at another directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runShareChange,
}

var (
	shareVM       string
	shareReadOnly bool
)

func init() {
	shareCmd.PersistentFlags().StringVar(&shareVM, "vm", "", "VM to act on (default: the active VM)")
	shareAddCmd.Flags().BoolVar(&shareReadOnly, "read-only", false, "Share the directory read-only")

	shareCmd.AddCommand(shareAddCmd)
	shareCmd.AddCommand(shareListCmd)
	shareCmd.AddCommand(shareRemoveCmd)
	shareCmd.AddCommand(shareToggleCmd)
	shareCmd.AddCommand(shareChangeCmd)
}

// shareTarget resolves the VM of a share command.
func shareTarget(cmd *cobra.Command) (*app, *machine.Configuration, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := a.library.Resolve(shareVM)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("invalid share index %q", s)
	}
	return i, nil
}

func runShareAdd(cmd *cobra.Command, args []string) error {
	a, cfg, err := shareTarget(cmd)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	index, err := a.store.AddShare(ctx, cfg.ID, dir)
	if err != nil {
		return summarize(err)
	}
	if shareReadOnly {
		if _, err := a.store.ToggleReadOnly(ctx, cfg.ID, index); err != nil {
			return summarize(err)
		}
	}
	a.printf("Shared %s with '%s' as [%d]\n", dir, cfg.Name, index)
	return nil
}

func runShareList(cmd *cobra.Command, args []string) error {
	a, cfg, err := shareTarget(cmd)
	if err != nil {
		return err
	}
	shares, err := a.store.Snapshot(cmd.Context(), cfg.ID)
	if err != nil {
		return err
	}
	if len(shares) == 0 {
		a.printf("'%s' has no shared directories. Add one with: vmctl share add <dir>\n", cfg.Name)
		return nil
	}
	printShares(a, shares)
	return nil
}

func runShareRemove(cmd *cobra.Command, args []string) error {
	a, cfg, err := shareTarget(cmd)
	if err != nil {
		return err
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	if err := a.store.RemoveShare(cmd.Context(), cfg.ID, index); err != nil {
		return summarize(err)
	}
	a.printf("Removed share [%d] from '%s'\n", index, cfg.Name)
	return nil
}

func runShareToggle(cmd *cobra.Command, args []string) error {
	a, cfg, err := shareTarget(cmd)
	if err != nil {
		return err
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	readOnly, err := a.store.ToggleReadOnly(cmd.Context(), cfg.ID, index)
	if err != nil {
		return summarize(err)
	}
	mode := "read-write"
	if readOnly {
		mode = "read-only"
	}
	a.printf("Share [%d] is now %s\n", index, mode)
	return nil
}

func runShareChange(cmd *cobra.Command, args []string) error {
	a, cfg, err := shareTarget(cmd)
	if err != nil {
		return err
	}
	index, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	if err := a.store.ChangeSharePath(cmd.Context(), cfg.ID, index, dir); err != nil {
		return summarize(err)
	}
	a.printf("Share [%d] now points to %s\n", index, dir)
	return nil
}
