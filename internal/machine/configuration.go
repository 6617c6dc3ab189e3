// Package machine holds the declarative VM configuration, the model that
// guards its mutation, and the on-disk library of VM bundles.
package machine

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Configuration is the declarative description of one VM.
type Configuration struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`

	Boot           Boot           `yaml:"boot"`
	Resources      Resources      `yaml:"resources"`
	Displays       []Display      `yaml:"displays,omitempty"`
	Serials        []Serial       `yaml:"serials,omitempty"`
	Networks       []Network      `yaml:"networks,omitempty"`
	Drives         []Drive        `yaml:"drives,omitempty"`
	Virtualization Virtualization `yaml:"virtualization"`
}

// Boot selects the guest family and an optional pending install image.
type Boot struct {
	OS           hypervisor.GuestOS `yaml:"os"`
	InstallImage string             `yaml:"install_image,omitempty"`
}

// Resources are the CPU and memory allotment.
type Resources struct {
	CPUs   uint `yaml:"cpus"`
	Memory Size `yaml:"memory"`
}

// Size is a byte count stored in human readable form ("4GiB").
type Size uint64

// ParseSize accepts sizes such as "4GiB", "512m" or a plain byte count.
func ParseSize(s string) (Size, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse size %q: negative", s)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Display is one graphics output.
type Display struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	PixelsPerInch int `yaml:"ppi,omitempty"`
}

// SerialMode says where a serial port is connected.
type SerialMode string

const (
	// SerialBuiltin is wired to the built-in terminal.
	SerialBuiltin SerialMode = "builtin"
	// SerialOther is wired to something outside the core (a pty, a socket).
	SerialOther SerialMode = "other"
)

// Serial is one serial port.
type Serial struct {
	Mode     SerialMode `yaml:"mode"`
	Terminal *Terminal  `yaml:"terminal,omitempty"`
}

// Terminal is the presentation of a builtin serial.
type Terminal struct {
	Columns int `yaml:"columns"`
	Rows    int `yaml:"rows"`
}

// Network is one network interface.
type Network struct {
	Mode       string `yaml:"mode"`
	Interface  string `yaml:"interface,omitempty"`
	MACAddress string `yaml:"mac,omitempty"`
}

// Drive is one storage device. Removable drives have no image of their own;
// the image is bound at runtime through the registry.
type Drive struct {
	ID        string `yaml:"id"`
	ImagePath string `yaml:"image,omitempty"`
	Size      Size   `yaml:"size,omitempty"`
	Removable bool   `yaml:"removable,omitempty"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`
}

// Virtualization toggles optional devices. Each flag needs a host feature,
// see FeatureFor.
type Virtualization struct {
	Balloon              bool `yaml:"balloon"`
	Entropy              bool `yaml:"entropy"`
	Audio                bool `yaml:"audio"`
	Keyboard             bool `yaml:"keyboard"`
	Pointer              bool `yaml:"pointer"`
	Rosetta              bool `yaml:"rosetta"`
	Clipboard            bool `yaml:"clipboard"`
	NestedVirtualization bool `yaml:"nested_virtualization"`
}

// virtualizationFlags maps flag names, as used in mutation paths, to the
// field and the host feature that gates it.
var virtualizationFlags = map[string]struct {
	field   func(*Virtualization) *bool
	feature hypervisor.Feature
}{
	"balloon":               {func(v *Virtualization) *bool { return &v.Balloon }, hypervisor.FeatureBalloon},
	"entropy":               {func(v *Virtualization) *bool { return &v.Entropy }, hypervisor.FeatureEntropy},
	"audio":                 {func(v *Virtualization) *bool { return &v.Audio }, hypervisor.FeatureAudio},
	"keyboard":              {func(v *Virtualization) *bool { return &v.Keyboard }, hypervisor.FeatureKeyboard},
	"pointer":               {func(v *Virtualization) *bool { return &v.Pointer }, hypervisor.FeaturePointer},
	"rosetta":               {func(v *Virtualization) *bool { return &v.Rosetta }, hypervisor.FeatureRosetta},
	"clipboard":             {func(v *Virtualization) *bool { return &v.Clipboard }, hypervisor.FeatureClipboard},
	"nested_virtualization": {func(v *Virtualization) *bool { return &v.NestedVirtualization }, hypervisor.FeatureNestedVirtualization},
}

// FeatureFor returns the host feature gating the named virtualization flag.
func FeatureFor(flag string) (hypervisor.Feature, bool) {
	f, ok := virtualizationFlags[flag]
	return f.feature, ok
}

// Enabled returns the host features of every enabled flag.
func (v Virtualization) Enabled() []hypervisor.Feature {
	var out []hypervisor.Feature
	for _, name := range sortedFlagNames() {
		f := virtualizationFlags[name]
		if *f.field(&v) {
			out = append(out, f.feature)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Displays = append([]Display(nil), c.Displays...)
	out.Networks = append([]Network(nil), c.Networks...)
	out.Drives = append([]Drive(nil), c.Drives...)
	out.Serials = make([]Serial, len(c.Serials))
	for i, s := range c.Serials {
		if s.Terminal != nil {
			t := *s.Terminal
			s.Terminal = &t
		}
		out.Serials[i] = s
	}
	if c.Serials == nil {
		out.Serials = nil
	}
	return &out
}

// Profile is the capability profile derived from a configuration's content.
// The lifecycle controller and the session registry branch on it instead of
// on the VM's type.
type Profile struct {
	HasDisplay bool

	// BuiltinSerials lists the indices of builtin serials.
	BuiltinSerials []int

	// TerminalSerials lists the indices of builtin serials with a terminal,
	// in configuration order.
	TerminalSerials []int

	// HasInstallFlow is set when an install image is attached.
	HasInstallFlow bool
}

// Profile derives the capability profile.
func (c *Configuration) Profile() Profile {
	p := Profile{
		HasDisplay:     len(c.Displays) > 0,
		HasInstallFlow: c.Boot.InstallImage != "",
	}
	for i, s := range c.Serials {
		if s.Mode != SerialBuiltin {
			continue
		}
		p.BuiltinSerials = append(p.BuiltinSerials, i)
		if s.Terminal != nil {
			p.TerminalSerials = append(p.TerminalSerials, i)
		}
	}
	return p
}
