//go:build darwin && arm64

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Code-Hex/vz/v3"
)

// macPlatform loads the hardware model, machine identifier and auxiliary
// storage of a macOS guest. On first install they are derived from the
// restore image.
func macPlatform(p *Params) (vz.BootLoader, vz.PlatformConfiguration, error) {
	hwPath := filepath.Join(p.Bundle, hardwareModelFile)
	idPath := filepath.Join(p.Bundle, machineIdentifierFile)
	auxPath := filepath.Join(p.Bundle, auxiliaryStorageFile)

	var (
		hw  *vz.MacHardwareModel
		id  *vz.MacMachineIdentifier
		aux *vz.MacAuxiliaryStorage
		err error
	)
	if _, statErr := os.Stat(hwPath); errors.Is(statErr, fs.ErrNotExist) {
		if p.InstallImage == "" {
			return nil, nil, fmt.Errorf("vzEngine: macOS guest has no hardware model: %w", ErrResourceUnavailable)
		}
		image, err := vz.LoadMacOSRestoreImageFromPath(p.InstallImage)
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: load restore image: %w", err)
		}
		requirements := image.MostFeaturefulSupportedConfiguration()
		if requirements == nil {
			return nil, nil, fmt.Errorf("vzEngine: restore image not supported on this host: %w", ErrUnsupported)
		}
		hw = requirements.HardwareModel()
		if err := os.WriteFile(hwPath, hw.DataRepresentation(), 0o644); err != nil {
			return nil, nil, fmt.Errorf("vzEngine: save hardware model: %w", err)
		}
		id, err = vz.NewMacMachineIdentifier()
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: create machine identifier: %w", err)
		}
		if err := os.WriteFile(idPath, id.DataRepresentation(), 0o644); err != nil {
			return nil, nil, fmt.Errorf("vzEngine: save machine identifier: %w", err)
		}
		aux, err = vz.NewMacAuxiliaryStorage(auxPath, vz.WithCreatingMacAuxiliaryStorage(hw))
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: create auxiliary storage: %w", err)
		}
	} else {
		hw, err = vz.NewMacHardwareModelWithDataPath(hwPath)
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: load hardware model: %w", err)
		}
		id, err = vz.NewMacMachineIdentifierWithDataPath(idPath)
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: load machine identifier: %w", err)
		}
		aux, err = vz.NewMacAuxiliaryStorage(auxPath)
		if err != nil {
			return nil, nil, fmt.Errorf("vzEngine: load auxiliary storage: %w", err)
		}
	}

	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(aux),
		vz.WithMacHardwareModel(hw),
		vz.WithMacMachineIdentifier(id),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: create platform config: %w", err)
	}
	boot, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: create boot loader: %w", err)
	}
	return boot, platform, nil
}

func macGraphics(displays []Display) (vz.GraphicsDeviceConfiguration, error) {
	gfx, err := vz.NewMacGraphicsDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzEngine: create graphics device: %w", err)
	}
	var configs []*vz.MacGraphicsDisplayConfiguration
	for _, d := range displays {
		ppi := d.PixelsPerInch
		if ppi == 0 {
			ppi = 80
		}
		display, err := vz.NewMacGraphicsDisplayConfiguration(int64(d.Width), int64(d.Height), int64(ppi))
		if err != nil {
			return nil, fmt.Errorf("vzEngine: create display: %w", err)
		}
		configs = append(configs, display)
	}
	gfx.SetDisplays(configs...)
	return gfx, nil
}

func rosettaShare(tag string) (vz.DirectorySharingDeviceConfiguration, error) {
	if vz.LinuxRosettaDirectoryShareAvailability() != vz.LinuxRosettaAvailabilityInstalled {
		return nil, fmt.Errorf("vzEngine: rosetta is not installed: %w", ErrResourceUnavailable)
	}
	share, err := vz.NewLinuxRosettaDirectoryShare()
	if err != nil {
		return nil, fmt.Errorf("vzEngine: create rosetta share: %w", err)
	}
	fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
	if err != nil {
		return nil, fmt.Errorf("vzEngine: create rosetta fs config: %w", err)
	}
	fsConfig.SetDirectoryShare(share)
	return fsConfig, nil
}

// runMacOSInstaller drives the restore image installer, reporting its
// fraction completed twice a second.
func runMacOSInstaller(ctx context.Context, vm *vz.VirtualMachine, image string, progress chan<- Progress) {
	installer, err := vz.NewMacOSInstaller(vm, image)
	if err != nil {
		progress <- Progress{Err: fmt.Errorf("vzEngine: create installer: %w", err)}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- installer.Install(ctx)
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				progress <- Progress{Err: fmt.Errorf("vzEngine: install: %w", err)}
				return
			}
			progress <- Progress{Fraction: 1}
			return
		case <-ticker.C:
			select {
			case progress <- Progress{Fraction: installer.FractionCompleted()}:
			default:
			}
		}
	}
}
