package vm

import (
	"fmt"
	"path/filepath"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// params translates a configuration and its registry entry into engine
// parameters. Removable drives take their image from the registry binding
// and are left out while unbound. Shared directories are left out when the
// host cannot share with this guest.
func (c *Controller) params(cfg *machine.Configuration, entry registry.Entry) *hypervisor.Params {
	p := &hypervisor.Params{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Bundle:      c.bundle,
		OS:          cfg.Boot.OS,
		CPUs:        cfg.Resources.CPUs,
		MemoryBytes: uint64(cfg.Resources.Memory),
		Devices:     cfg.Virtualization.Enabled(),
	}

	for _, d := range cfg.Displays {
		p.Displays = append(p.Displays, hypervisor.Display{
			Width:         d.Width,
			Height:        d.Height,
			PixelsPerInch: d.PixelsPerInch,
		})
	}
	for _, s := range cfg.Serials {
		p.Serials = append(p.Serials, hypervisor.Serial{Builtin: s.Mode == machine.SerialBuiltin})
	}
	for _, n := range cfg.Networks {
		p.Networks = append(p.Networks, hypervisor.Network{
			Mode:       n.Mode,
			Interface:  n.Interface,
			MACAddress: n.MACAddress,
		})
	}

	for _, d := range cfg.Drives {
		drive := hypervisor.Drive{ID: d.ID, ReadOnly: d.ReadOnly, Removable: d.Removable}
		if d.Removable {
			b, ok := entry.RemovableDrives[d.ID]
			if !ok {
				continue
			}
			drive.ImagePath = b.ImagePath
			drive.ReadOnly = d.ReadOnly || b.ReadOnly
		} else {
			drive.ImagePath = c.resolve(d.ImagePath)
		}
		p.Drives = append(p.Drives, drive)
	}

	if len(machine.ShareNotices(cfg, c.caps, len(entry.SharedDirectories))) == 0 {
		tags := ShareTags(entry.SharedDirectories)
		for i, sd := range entry.SharedDirectories {
			p.Shares = append(p.Shares, hypervisor.Share{
				Tag:      tags[i],
				Path:     sd.Path,
				ReadOnly: sd.ReadOnly,
			})
		}
	}
	return p
}

// ShareTags returns the guest mount tag of each shared directory, in order.
func ShareTags(shares []registry.SharedDirectory) []string {
	used := make(map[string]bool)
	tags := make([]string, len(shares))
	for i, sd := range shares {
		tags[i] = shareTag(sd.Path, used)
	}
	return tags
}

// shareTag names a share after its directory, made unique among used.
func shareTag(path string, used map[string]bool) string {
	base := filepath.Base(path)
	if base == "/" || base == "." {
		base = "share"
	}
	tag := base
	for i := 2; used[tag]; i++ {
		tag = fmt.Sprintf("%s-%d", base, i)
	}
	used[tag] = true
	return tag
}
