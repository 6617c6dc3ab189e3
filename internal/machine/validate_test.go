package machine

import (
	"errors"
	"strings"
	"testing"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

func allCaps() hypervisor.Capabilities {
	return hypervisor.NewCapabilities("test", "arm64", nil,
		hypervisor.FeatureMacOSGuest,
		hypervisor.FeatureInstall,
		hypervisor.FeatureLinuxDisplay,
		hypervisor.FeatureMacOSDisplay,
		hypervisor.FeatureSharedDirectories,
		hypervisor.FeatureBridgedNetwork,
		hypervisor.FeatureAudio,
		hypervisor.FeatureRosetta,
	)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		caps   hypervisor.Capabilities
		field  string
	}{
		{
			name:   "valid",
			mutate: func(*Configuration) {},
		},
		{
			name: "two builtin serials",
			mutate: func(c *Configuration) {
				c.Serials = append(c.Serials, Serial{Mode: SerialBuiltin})
			},
			field: "serials",
		},
		{
			name:   "no cpus",
			mutate: func(c *Configuration) { c.Resources.CPUs = 0 },
			field:  "resources.cpus",
		},
		{
			name:   "too little memory",
			mutate: func(c *Configuration) { c.Resources.Memory = 64 << 20 },
			field:  "resources.memory",
		},
		{
			name:   "zero sized drive",
			mutate: func(c *Configuration) { c.Drives[0].Size = 0 },
			field:  "drives[0]",
		},
		{
			name: "removable drive needs no size",
			mutate: func(c *Configuration) {
				c.Drives = append(c.Drives, Drive{ID: "usb", Removable: true})
			},
		},
		{
			name: "duplicate drive id",
			mutate: func(c *Configuration) {
				c.Drives = append(c.Drives, Drive{ID: "root", Removable: true})
			},
			field: "drives[1]",
		},
		{
			name:   "bridged without interface",
			mutate: func(c *Configuration) { c.Networks[0].Mode = hypervisor.NetworkBridged },
			field:  "networks[0]",
		},
		{
			name:   "bad mac",
			mutate: func(c *Configuration) { c.Networks[0].MACAddress = "zz:zz" },
			field:  "networks[0]",
		},
		{
			name:   "linux display needs host support",
			mutate: func(c *Configuration) { c.Displays = []Display{{Width: 1024, Height: 768}} },
			caps:   hypervisor.NewCapabilities("test", "arm64", nil, hypervisor.FeatureMacOSDisplay),
			field:  "displays",
		},
		{
			name:   "macos guest needs host support",
			mutate: func(c *Configuration) { c.Boot.OS = hypervisor.GuestMacOS },
			caps:   hypervisor.NewCapabilities("test", "amd64", nil),
			field:  "boot.os",
		},
		{
			name:   "gated flag",
			mutate: func(c *Configuration) { c.Virtualization.Clipboard = true },
			field:  "virtualization.clipboard",
		},
		{
			name: "rosetta on macos guest",
			mutate: func(c *Configuration) {
				c.Boot.OS = hypervisor.GuestMacOS
				c.Virtualization.Rosetta = true
			},
			field: "virtualization.rosetta",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mutate(c)
			caps := tt.caps
			if caps.Engine == "" {
				caps = allCaps()
			}

			err := Validate(c, caps)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrConfigurationInvalid) {
				t.Fatalf("Validate() = %v, want ErrConfigurationInvalid", err)
			}
			var invalid *InvalidError
			if !errors.As(err, &invalid) {
				t.Fatalf("Validate() = %T, want *InvalidError", err)
			}
			found := false
			for _, p := range invalid.Problems {
				if p.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("problems = %+v, want one on %s", invalid.Problems, tt.field)
			}
		})
	}
}

func TestShareNotices(t *testing.T) {
	c := testConfig()
	monterey := hypervisor.NewCapabilities("test", "arm64", nil, hypervisor.FeatureSharedDirectories)

	if n := ShareNotices(c, monterey, 2); len(n) != 0 {
		t.Errorf("linux guest on monterey: notices = %+v", n)
	}
	if n := ShareNotices(c, monterey, 0); len(n) != 0 {
		t.Errorf("no shares: notices = %+v", n)
	}

	c.Boot.OS = hypervisor.GuestMacOS
	n := ShareNotices(c, monterey, 1)
	if len(n) != 1 || n[0].Fatal {
		t.Fatalf("macos guest on monterey: notices = %+v, want one warning", n)
	}
	if !strings.Contains(FormatValidationErrors(n), "Warning [shares]") {
		t.Errorf("FormatValidationErrors() = %q", FormatValidationErrors(n))
	}
}

func TestProfile(t *testing.T) {
	c := testConfig()
	c.Serials = append(c.Serials, Serial{Mode: SerialOther}, Serial{Mode: SerialBuiltin})
	c.Boot.InstallImage = "/images/a.iso"

	p := c.Profile()
	if p.HasDisplay {
		t.Error("HasDisplay without displays")
	}
	if !p.HasInstallFlow {
		t.Error("HasInstallFlow not set")
	}
	if len(p.BuiltinSerials) != 2 || p.BuiltinSerials[1] != 2 {
		t.Errorf("BuiltinSerials = %v, want [0 2]", p.BuiltinSerials)
	}
	if len(p.TerminalSerials) != 1 || p.TerminalSerials[0] != 0 {
		t.Errorf("TerminalSerials = %v, want [0]", p.TerminalSerials)
	}
}
