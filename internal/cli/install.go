package cli

import (
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install [name]",
	Short: "Install the guest OS from an install image",
	Long: `Run the guest installer of a VM in the foreground.

The install image is the one attached with 'vmctl create --install' or
'vmctl set <name> boot.install_image <path>', or the one given with --image.
Linux guests install from an ISO, macOS guests from an IPSW restore image.

When the installer finishes the image is detached and the VM boots from its
disk. If the installer fails or is interrupted the image stays attached so
that the install can be retried.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInstallCmd,
}

var installImage string

func init() {
	installCmd.Flags().StringVar(&installImage, "image", "", "Install image to attach before installing")
	installCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Do not ask before installing")
}

func runInstallCmd(cmd *cobra.Command, args []string) error {
	return runVM(cmd, vmArg(args), true, installImage)
}
