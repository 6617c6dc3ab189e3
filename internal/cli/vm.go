package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/media"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/internal/vm"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new VM",
	Long: `Create a new VM with the specified name. The VM gets a root disk, one
network interface and a builtin serial terminal unless told otherwise.

The root disk is created sparse at the first start.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all VMs",
	Long:  `List all VMs, marking the active one with *.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show VM details",
	Long:  `Show the configuration and registry entry of a VM. If no name is given, shows the active VM.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a VM",
	Long:  `Delete a VM, its bundle (disks included) and its registry entry.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var useCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set active VM",
	Long:  `Set the specified VM as the active (default) VM for other commands.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUse,
}

// Flags for create
var (
	createOS        string
	createCPUs      int
	createMemory    string
	createDiskSize  string
	createInstall   string
	createDisplay   string
	createSerial    string
	createNetwork   string
	createRemovable string
)

func init() {
	createCmd.Flags().StringVar(&createOS, "os", string(hypervisor.GuestLinux), "Guest operating system: linux or macos")
	createCmd.Flags().IntVarP(&createCPUs, "cpus", "c", 0, "Number of virtual CPUs (default from settings)")
	createCmd.Flags().StringVarP(&createMemory, "memory", "m", "", "Memory size, e.g. 4GiB (default from settings)")
	createCmd.Flags().StringVarP(&createDiskSize, "disk", "s", "", "Root disk size, e.g. 64GiB (default from settings)")
	createCmd.Flags().StringVar(&createInstall, "install", "", "Install image to attach (ISO, or IPSW for macOS)")
	createCmd.Flags().StringVar(&createDisplay, "display", "", "Add a display of the given size, e.g. 1920x1080")
	createCmd.Flags().StringVar(&createSerial, "serial", string(machine.SerialBuiltin), "Serial port: builtin, other or none")
	createCmd.Flags().StringVar(&createNetwork, "network", hypervisor.NetworkNAT, "Network: nat, bridged:<interface> or none")
	createCmd.Flags().StringVar(&createRemovable, "removable", "", "Add an empty removable drive with this id")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(useCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]

	// Validate name
	if strings.ContainsAny(name, "/\\:*?\"<>|") {
		return fmt.Errorf("invalid VM name: contains forbidden characters")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := buildConfiguration(a, name)
	if err != nil {
		return err
	}
	cfg, err = a.library.Create(cfg)
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}

	a.printf("Created VM '%s'\n", cfg.Name)
	a.printf("  OS: %s\n", cfg.Boot.OS)
	a.printf("  CPUs: %d\n", cfg.Resources.CPUs)
	a.printf("  Memory: %s\n", cfg.Resources.Memory)
	a.printf("  Disk: %s\n", cfg.Drives[0].Size)
	a.println()
	if cfg.Boot.InstallImage != "" {
		a.printf("To install the guest: vmctl install %s\n", cfg.Name)
	} else {
		a.printf("To start this VM: vmctl run %s\n", cfg.Name)
	}
	return nil
}

// buildConfiguration turns the create flags into a configuration.
func buildConfiguration(a *app, name string) (*machine.Configuration, error) {
	cfg := &machine.Configuration{
		Name: name,
		Boot: machine.Boot{OS: hypervisor.GuestOS(createOS)},
	}
	switch cfg.Boot.OS {
	case hypervisor.GuestLinux, hypervisor.GuestMacOS:
	default:
		return nil, fmt.Errorf("unknown operating system %q", createOS)
	}

	cpus := createCPUs
	if cpus == 0 {
		cpus = a.cfg.DefaultCPUs
	}
	if cpus < 1 {
		return nil, fmt.Errorf("--cpus must be at least 1")
	}
	cfg.Resources.CPUs = uint(cpus)

	memory, err := sizeOr(createMemory, a.cfg.DefaultMemory)
	if err != nil {
		return nil, fmt.Errorf("--memory: %w", err)
	}
	cfg.Resources.Memory = memory

	disk, err := sizeOr(createDiskSize, a.cfg.DefaultDiskSize)
	if err != nil {
		return nil, fmt.Errorf("--disk: %w", err)
	}
	cfg.Drives = append(cfg.Drives, machine.Drive{ID: "root", ImagePath: "disk.img", Size: disk})
	if createRemovable != "" {
		cfg.Drives = append(cfg.Drives, machine.Drive{ID: createRemovable, Removable: true})
	}

	if createDisplay != "" {
		d, err := parseDisplay(createDisplay)
		if err != nil {
			return nil, err
		}
		cfg.Displays = append(cfg.Displays, d)
	}
	if createSerial != "none" {
		s, err := parseSerial(createSerial)
		if err != nil {
			return nil, err
		}
		cfg.Serials = append(cfg.Serials, s)
	}
	if createNetwork != "none" {
		n, err := parseNetwork(createNetwork)
		if err != nil {
			return nil, err
		}
		cfg.Networks = append(cfg.Networks, n)
	}

	if createInstall != "" {
		image, err := checkInstallImage(createInstall, cfg.Boot.OS)
		if err != nil {
			return nil, err
		}
		cfg.Boot.InstallImage = image
	}
	return cfg, nil
}

func sizeOr(value, fallback string) (machine.Size, error) {
	if value == "" {
		value = fallback
	}
	return machine.ParseSize(value)
}

// checkInstallImage returns the absolute path of image after checking that
// it can install guest.
func checkInstallImage(image string, guest hypervisor.GuestOS) (string, error) {
	abs, err := filepath.Abs(image)
	if err != nil {
		return "", fmt.Errorf("resolve install image: %w", err)
	}
	if _, err := media.CheckFor(abs, guest); err != nil {
		return "", err
	}
	return abs, nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	vms, err := a.library.List()
	if err != nil {
		return fmt.Errorf("list VMs: %w", err)
	}
	if len(vms) == 0 {
		a.println("No VMs found. Create one with: vmctl create <name>")
		return nil
	}

	active, _ := a.library.GetActive()

	a.println("VMs:")
	for _, cfg := range vms {
		marker := " "
		if cfg.ID == active {
			marker = "*"
		}
		status := ""
		if inUse, _ := a.library.InUse(cfg.ID); inUse {
			status = " [running]"
		}
		a.printf("  %s %s (%s, %d CPUs, %s)%s\n",
			marker, cfg.Name, cfg.Boot.OS, cfg.Resources.CPUs, cfg.Resources.Memory, status)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Resolve(vmArg(args))
	if err != nil {
		return err
	}
	entry, err := a.store.Entry(cmd.Context(), cfg.ID)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	a.printf("%s", data)

	if len(entry.SharedDirectories) > 0 {
		a.println()
		a.println("Shared directories:")
		printShares(a, entry.SharedDirectories)
	}
	if len(entry.RemovableDrives) > 0 {
		a.println()
		a.println("Removable drives:")
		printDrives(a, cfg, entry.RemovableDrives)
	}

	a.println()
	if inUse, _ := a.library.InUse(cfg.ID); inUse {
		a.println("Status: running")
	} else {
		a.println("Status: stopped")
	}
	a.printf("Boots: %d\n", entry.BootCount)
	if !entry.LastBoot.IsZero() {
		a.printf("Last boot: %s ago\n", units.HumanDuration(time.Since(entry.LastBoot)))
	}
	if entry.WasUncleanShutdown() {
		a.println("Warning: the last run did not shut down cleanly")
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := a.library.Get(args[0])
	if err != nil {
		return err
	}

	if err := a.library.Delete(cfg.ID); err != nil {
		if errors.Is(err, machine.ErrInUse) {
			return fmt.Errorf("VM '%s' is running, stop it first", cfg.Name)
		}
		return fmt.Errorf("delete VM: %w", err)
	}
	if err := a.store.Delete(cmd.Context(), cfg.ID); err != nil {
		a.log.WithError(err).Warn("failed to delete registry entry")
	}

	a.printf("Deleted VM '%s'\n", cfg.Name)
	return nil
}

func runUse(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.library.SetActive(args[0]); err != nil {
		return err
	}
	a.printf("Active VM set to '%s'\n", args[0])
	return nil
}

func printShares(a *app, shares []registry.SharedDirectory) {
	tags := vm.ShareTags(shares)
	for i, sd := range shares {
		mode := "rw"
		if sd.ReadOnly {
			mode = "ro"
		}
		a.printf("  [%d] %s (%s, tag %s)\n", i, sd.Path, mode, tags[i])
	}
}
