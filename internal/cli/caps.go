package cli

import (
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Show what this host's engine supports",
	Long: `Show the hypervisor engine in use and the capability set of this host.
Configuration content that needs a missing feature is refused at start.`,
	Args: cobra.NoArgs,
	RunE: runCaps,
}

func runCaps(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	eng, err := a.engine()
	if err != nil {
		return err
	}

	info := eng.Info()
	caps := eng.Capabilities()
	a.printf("Engine: %s %s (%s)\n", info.Name, info.Version, info.Arch)
	if caps.HostVersion != nil {
		a.printf("Host version: %s\n", caps.HostVersion)
	}
	if caps.MaxCPUs > 0 {
		a.printf("Max CPUs: %d\n", caps.MaxCPUs)
	}
	if caps.MaxMemoryBytes > 0 {
		a.printf("Max memory: %s\n", units.BytesSize(float64(caps.MaxMemoryBytes)))
	}
	a.printf("Min memory: %s\n", units.BytesSize(float64(caps.MinMemoryBytes)))

	a.println("Features:")
	features := caps.Features()
	if len(features) == 0 {
		a.println("  (none)")
	}
	for _, f := range features {
		a.printf("  %s\n", f)
	}
	return nil
}
