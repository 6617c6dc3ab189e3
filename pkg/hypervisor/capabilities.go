package hypervisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// MinMemoryBytes is the smallest memory size any engine accepts.
const MinMemoryBytes = 128 << 20

// Feature is a host capability that gates configuration content or a
// lifecycle operation.
type Feature string

const (
	FeatureCooperativeStop        Feature = "cooperative-stop"
	FeatureInstall                Feature = "install"
	FeatureMacOSGuest             Feature = "macos-guest"
	FeatureSharedDirectories      Feature = "shared-directories"
	FeatureMacOSSharedDirectories Feature = "macos-shared-directories"
	FeatureLinuxDisplay           Feature = "linux-display"
	FeatureMacOSDisplay           Feature = "macos-display"
	FeatureBridgedNetwork         Feature = "bridged-network"
	FeatureAudio                  Feature = "audio"
	FeatureKeyboard               Feature = "keyboard"
	FeaturePointer                Feature = "pointer"
	FeatureBalloon                Feature = "balloon"
	FeatureEntropy                Feature = "entropy"
	FeatureRosetta                Feature = "rosetta"
	FeatureClipboard              Feature = "clipboard"
	FeatureNestedVirtualization   Feature = "nested-virtualization"
	FeaturePause                  Feature = "pause"
)

// Gate enables Feature on hosts at or above Since. An empty Arch matches any
// architecture.
type Gate struct {
	Feature Feature
	Since   string
	Arch    string
}

// vzGates is the Virtualization.framework availability table.
var vzGates = []Gate{
	{Feature: FeaturePause, Since: "11.0.0"},
	{Feature: FeatureBalloon, Since: "11.0.0"},
	{Feature: FeatureEntropy, Since: "11.0.0"},
	{Feature: FeatureBridgedNetwork, Since: "11.0.0"},
	{Feature: FeatureCooperativeStop, Since: "12.0.0"},
	{Feature: FeatureInstall, Since: "12.0.0"},
	{Feature: FeatureMacOSGuest, Since: "12.0.0", Arch: "arm64"},
	{Feature: FeatureMacOSDisplay, Since: "12.0.0", Arch: "arm64"},
	{Feature: FeatureSharedDirectories, Since: "12.0.0"},
	{Feature: FeatureAudio, Since: "12.0.0"},
	{Feature: FeatureKeyboard, Since: "12.0.0"},
	{Feature: FeaturePointer, Since: "12.0.0"},
	{Feature: FeatureMacOSSharedDirectories, Since: "13.0.0", Arch: "arm64"},
	{Feature: FeatureLinuxDisplay, Since: "13.0.0"},
	{Feature: FeatureRosetta, Since: "13.0.0", Arch: "arm64"},
	{Feature: FeatureClipboard, Since: "13.0.0"},
	{Feature: FeatureNestedVirtualization, Since: "15.0.0"},
}

// libvirtFeatures is the fixed feature set of the libvirt engine.
var libvirtFeatures = []Feature{
	FeaturePause,
	FeatureBalloon,
	FeatureEntropy,
	FeatureBridgedNetwork,
	FeatureCooperativeStop,
	FeatureInstall,
	FeatureSharedDirectories,
	FeatureLinuxDisplay,
	FeatureAudio,
	FeatureKeyboard,
	FeaturePointer,
}

// Capabilities is the queryable host capability set.
type Capabilities struct {
	Engine         string
	HostVersion    *semver.Version
	Arch           string
	MaxCPUs        uint
	MaxMemoryBytes uint64
	MinMemoryBytes uint64

	features map[Feature]bool
}

// NewCapabilities builds a capability set holding exactly features.
func NewCapabilities(engine, arch string, version *semver.Version, features ...Feature) Capabilities {
	c := Capabilities{
		Engine:         engine,
		HostVersion:    version,
		Arch:           arch,
		MinMemoryBytes: MinMemoryBytes,
		features:       make(map[Feature]bool, len(features)),
	}
	for _, f := range features {
		c.features[f] = true
	}
	return c
}

// ResolveGates returns the features of gates available on a host running
// version on arch.
func ResolveGates(version *semver.Version, arch string, gates []Gate) []Feature {
	var out []Feature
	for _, g := range gates {
		if g.Arch != "" && g.Arch != arch {
			continue
		}
		if version.LessThan(*semver.New(g.Since)) {
			continue
		}
		out = append(out, g.Feature)
	}
	return out
}

// Has reports whether the host supports f.
func (c Capabilities) Has(f Feature) bool {
	return c.features[f]
}

// Features returns the supported features in sorted order.
func (c Capabilities) Features() []Feature {
	out := make([]Feature, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require returns ErrUnsupported naming f when the host lacks it.
func (c Capabilities) Require(f Feature) error {
	if c.Has(f) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, f)
}

// ParseHostVersion parses a product version such as "14.5" or "13" into a
// semantic version by padding missing components.
func ParseHostVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if s == "" || len(parts) > 3 {
		return nil, fmt.Errorf("hypervisor: invalid host version %q", s)
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: invalid host version %q: %w", s, err)
	}
	return v, nil
}
