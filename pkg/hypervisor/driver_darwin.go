//go:build darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Files kept in the VM bundle by the vz engine.
const (
	efiVarsFile           = "efi-vars.fd"
	machineIdentifierFile = "machine-identifier"
	hardwareModelFile     = "hardware-model"
	auxiliaryStorageFile  = "auxiliary-storage"
	linuxShareTag         = "share"
	rosettaShareTag       = "rosetta"
)

// vzEngine implements Engine using macOS Virtualization.framework.
type vzEngine struct {
	log  *logrus.Entry
	caps Capabilities

	mu       sync.Mutex
	machines map[Handle]*vzMachine
}

type vzMachine struct {
	mu       sync.Mutex
	params   *Params
	vm       *vz.VirtualMachine
	consoles map[int]*console
	exited   chan error
	running  bool
}

// console holds both ends of the pipes wired to a serial port.
type console struct {
	in  io.Writer // write to this to send to VM
	out io.Reader // read from this to get VM output

	files []*os.File
}

func (c *console) close() error {
	var errs []error
	for _, f := range c.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newVZEngine(opts Options) (Engine, error) {
	raw, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		return nil, fmt.Errorf("vzEngine: read product version: %w", err)
	}
	version, err := ParseHostVersion(raw)
	if err != nil {
		return nil, err
	}

	features := ResolveGates(version, runtime.GOARCH, vzGates)
	var supported []Feature
	for _, f := range features {
		if f == FeatureNestedVirtualization && !vz.IsNestedVirtualizationSupported() {
			continue
		}
		supported = append(supported, f)
	}

	caps := NewCapabilities(EngineVZ, runtime.GOARCH, version, supported...)
	caps.MaxCPUs = vz.VirtualMachineConfigurationMaximumAllowedCPUCount()
	caps.MaxMemoryBytes = vz.VirtualMachineConfigurationMaximumAllowedMemorySize()
	caps.MinMemoryBytes = vz.VirtualMachineConfigurationMinimumAllowedMemorySize()

	opts.Logger.WithFields(logrus.Fields{
		"macos":    version.String(),
		"features": len(supported),
	}).Debug("vz engine ready")

	return &vzEngine{
		log:      opts.Logger.WithField("engine", EngineVZ),
		caps:     caps,
		machines: make(map[Handle]*vzMachine),
	}, nil
}

func (e *vzEngine) Info() Info {
	return Info{
		Name:    EngineVZ,
		Version: e.caps.HostVersion.String(),
		Arch:    runtime.GOARCH,
	}
}

func (e *vzEngine) Capabilities() Capabilities {
	return e.caps
}

func (e *vzEngine) machine(h Handle) (*vzMachine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[h]
	if !ok {
		return nil, fmt.Errorf("vzEngine: %w: %s", ErrUnknownHandle, h)
	}
	return m, nil
}

func (e *vzEngine) Configure(ctx context.Context, p *Params) (Handle, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if p.CPUs > e.caps.MaxCPUs || p.MemoryBytes > e.caps.MaxMemoryBytes {
		return "", fmt.Errorf("vzEngine: %w: host allows %d CPUs and %d bytes",
			ErrResourceUnavailable, e.caps.MaxCPUs, e.caps.MaxMemoryBytes)
	}
	if err := os.MkdirAll(p.Bundle, 0o755); err != nil {
		return "", fmt.Errorf("vzEngine: create bundle: %w", err)
	}

	m := &vzMachine{
		params:   p,
		consoles: make(map[int]*console),
		exited:   make(chan error, 1),
	}
	vmCfg, err := m.build(e.caps)
	if err != nil {
		m.closeConsoles()
		return "", err
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		m.closeConsoles()
		return "", fmt.Errorf("vzEngine: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		m.closeConsoles()
		return "", fmt.Errorf("vzEngine: create VM: %w", err)
	}
	m.vm = vm

	h := Handle(uuid.NewString())
	e.mu.Lock()
	e.machines[h] = m
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"vm": p.Name, "handle": h}).Debug("configured")
	return h, nil
}

func (m *vzMachine) build(caps Capabilities) (*vz.VirtualMachineConfiguration, error) {
	p := m.params

	var (
		boot     vz.BootLoader
		platform vz.PlatformConfiguration
		err      error
	)
	if p.OS == GuestMacOS {
		boot, platform, err = macPlatform(p)
	} else {
		boot, platform, err = linuxPlatform(p)
	}
	if err != nil {
		return nil, err
	}

	if p.HasDevice(FeatureNestedVirtualization) {
		generic, ok := platform.(*vz.GenericPlatformConfiguration)
		if !ok {
			return nil, fmt.Errorf("vzEngine: nested virtualization needs a generic platform: %w", ErrUnsupported)
		}
		if err := generic.SetNestedVirtualizationEnabled(true); err != nil {
			return nil, fmt.Errorf("vzEngine: enable nested virtualization: %w", err)
		}
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(boot, p.CPUs, p.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("vzEngine: create VM config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	steps := []func(*vz.VirtualMachineConfiguration) error{
		m.attachStorage,
		m.attachNetworks,
		m.attachSerials,
		m.attachDisplays,
		m.attachShares,
		m.attachDevices,
	}
	for _, step := range steps {
		if err := step(vmCfg); err != nil {
			return nil, err
		}
	}
	return vmCfg, nil
}

func linuxPlatform(p *Params) (vz.BootLoader, vz.PlatformConfiguration, error) {
	varsPath := filepath.Join(p.Bundle, efiVarsFile)
	var (
		store *vz.EFIVariableStore
		err   error
	)
	if _, statErr := os.Stat(varsPath); errors.Is(statErr, fs.ErrNotExist) {
		store, err = vz.NewEFIVariableStore(varsPath, vz.WithCreatingEFIVariableStore())
	} else {
		store, err = vz.NewEFIVariableStore(varsPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: EFI variable store: %w", err)
	}
	boot, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: create boot loader: %w", err)
	}

	id, err := genericMachineIdentifier(filepath.Join(p.Bundle, machineIdentifierFile))
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: machine identifier: %w", err)
	}
	platform, err := vz.NewGenericPlatformConfiguration(vz.WithGenericMachineIdentifier(id))
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: create platform config: %w", err)
	}
	return boot, platform, nil
}

// genericMachineIdentifier loads the identifier at path, creating it when
// missing or empty.
func genericMachineIdentifier(path string) (*vz.GenericMachineIdentifier, error) {
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		id, err := vz.NewGenericMachineIdentifier()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, id.DataRepresentation(), 0o644); err != nil {
			return nil, err
		}
		return id, nil
	}
	return vz.NewGenericMachineIdentifierWithDataPath(path)
}

func (m *vzMachine) attachStorage(vmCfg *vz.VirtualMachineConfiguration) error {
	p := m.params
	var devices []vz.StorageDeviceConfiguration

	if p.InstallImage != "" && p.OS == GuestLinux {
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(p.InstallImage, true)
		if err != nil {
			return fmt.Errorf("vzEngine: attach install image: %w", err)
		}
		usb, err := vz.NewUSBMassStorageDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzEngine: create install device: %w", err)
		}
		devices = append(devices, usb)
	}

	for _, d := range p.Drives {
		attachment, err := vz.NewDiskImageStorageDeviceAttachmentWithCacheAndSync(
			d.ImagePath, d.ReadOnly, vz.DiskImageCachingModeCached, vz.DiskImageSynchronizationModeFsync)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("vzEngine: drive %s: %w: %v", d.ID, ErrResourceUnavailable, err)
			}
			return fmt.Errorf("vzEngine: attach drive %s: %w", d.ID, err)
		}
		if d.Removable {
			usb, err := vz.NewUSBMassStorageDeviceConfiguration(attachment)
			if err != nil {
				return fmt.Errorf("vzEngine: create removable drive %s: %w", d.ID, err)
			}
			devices = append(devices, usb)
			continue
		}
		block, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzEngine: create block device %s: %w", d.ID, err)
		}
		devices = append(devices, block)
	}

	if len(devices) > 0 {
		vmCfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func (m *vzMachine) attachNetworks(vmCfg *vz.VirtualMachineConfiguration) error {
	var devices []*vz.VirtioNetworkDeviceConfiguration
	for i, n := range m.params.Networks {
		var attachment vz.NetworkDeviceAttachment
		switch n.Mode {
		case NetworkBridged:
			iface, err := bridgedInterface(n.Interface)
			if err != nil {
				return err
			}
			bridged, err := vz.NewBridgedNetworkDeviceAttachment(iface)
			if err != nil {
				return fmt.Errorf("vzEngine: bridge %s: %w", n.Interface, err)
			}
			attachment = bridged
		default:
			nat, err := vz.NewNATNetworkDeviceAttachment()
			if err != nil {
				return fmt.Errorf("vzEngine: create NAT attachment: %w", err)
			}
			attachment = nat
		}

		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzEngine: create network config %d: %w", i, err)
		}

		var macAddr *vz.MACAddress
		if n.MACAddress != "" {
			hwAddr, err := net.ParseMAC(n.MACAddress)
			if err != nil {
				return fmt.Errorf("vzEngine: parse MAC address: %w", err)
			}
			macAddr, err = vz.NewMACAddress(hwAddr)
			if err != nil {
				return fmt.Errorf("vzEngine: create MAC address: %w", err)
			}
		} else {
			macAddr, err = vz.NewRandomLocallyAdministeredMACAddress()
			if err != nil {
				return fmt.Errorf("vzEngine: generate random MAC: %w", err)
			}
		}
		netConfig.SetMACAddress(macAddr)
		devices = append(devices, netConfig)
	}
	if len(devices) > 0 {
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func bridgedInterface(name string) (vz.BridgedNetwork, error) {
	for _, iface := range vz.NetworkInterfaces() {
		if iface.Identifier() == name {
			return iface, nil
		}
	}
	return nil, fmt.Errorf("vzEngine: bridge interface %q: %w", name, ErrResourceUnavailable)
}

func (m *vzMachine) attachSerials(vmCfg *vz.VirtualMachineConfiguration) error {
	var ports []*vz.VirtioConsoleDeviceSerialPortConfiguration
	for i, s := range m.params.Serials {
		if !s.Builtin {
			continue
		}
		// inputReader is read by VM (we write to inputWriter)
		// outputWriter is written by VM (we read from outputReader)
		inputReader, inputWriter, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("vzEngine: create input pipe: %w", err)
		}
		outputReader, outputWriter, err := os.Pipe()
		if err != nil {
			inputReader.Close()
			inputWriter.Close()
			return fmt.Errorf("vzEngine: create output pipe: %w", err)
		}
		m.consoles[i] = &console{
			in:    inputWriter,
			out:   outputReader,
			files: []*os.File{inputReader, inputWriter, outputReader, outputWriter},
		}

		attachment, err := vz.NewFileHandleSerialPortAttachment(inputReader, outputWriter)
		if err != nil {
			return fmt.Errorf("vzEngine: create serial attachment %d: %w", i, err)
		}
		port, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzEngine: create serial config %d: %w", i, err)
		}
		ports = append(ports, port)
	}
	if len(ports) > 0 {
		vmCfg.SetSerialPortsVirtualMachineConfiguration(ports)
	}
	return nil
}

func (m *vzMachine) attachDisplays(vmCfg *vz.VirtualMachineConfiguration) error {
	p := m.params
	if len(p.Displays) == 0 {
		return nil
	}
	if p.OS == GuestMacOS {
		gfx, err := macGraphics(p.Displays)
		if err != nil {
			return err
		}
		vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{gfx})
		return nil
	}

	gfx, err := vz.NewVirtioGraphicsDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create graphics device: %w", err)
	}
	var scanouts []*vz.VirtioGraphicsScanoutConfiguration
	for _, d := range p.Displays {
		scanout, err := vz.NewVirtioGraphicsScanoutConfiguration(int64(d.Width), int64(d.Height))
		if err != nil {
			return fmt.Errorf("vzEngine: create scanout: %w", err)
		}
		scanouts = append(scanouts, scanout)
	}
	gfx.SetScanouts(scanouts...)
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{gfx})
	return nil
}

func (m *vzMachine) attachShares(vmCfg *vz.VirtualMachineConfiguration) error {
	p := m.params
	var devices []vz.DirectorySharingDeviceConfiguration

	if len(p.Shares) > 0 {
		directories := make(map[string]*vz.SharedDirectory, len(p.Shares))
		for _, s := range p.Shares {
			dir, err := vz.NewSharedDirectory(s.Path, s.ReadOnly)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("vzEngine: share %s: %w: %v", s.Path, ErrResourceUnavailable, err)
				}
				return fmt.Errorf("vzEngine: create shared dir %s: %w", s.Tag, err)
			}
			directories[s.Tag] = dir
		}
		share, err := vz.NewMultipleDirectoryShare(directories)
		if err != nil {
			return fmt.Errorf("vzEngine: create directory share: %w", err)
		}

		tag := linuxShareTag
		if p.OS == GuestMacOS {
			// macOS guests mount it under /Volumes/My Shared Files.
			tag, err = vz.MacOSGuestAutomountTag()
			if err != nil {
				return fmt.Errorf("vzEngine: automount tag: %w", err)
			}
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return fmt.Errorf("vzEngine: create fs config: %w", err)
		}
		fsConfig.SetDirectoryShare(share)
		devices = append(devices, fsConfig)
	}

	if p.OS == GuestLinux && p.HasDevice(FeatureRosetta) {
		rosetta, err := rosettaShare(rosettaShareTag)
		if err != nil {
			return err
		}
		devices = append(devices, rosetta)
	}

	if len(devices) > 0 {
		vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func (m *vzMachine) attachDevices(vmCfg *vz.VirtualMachineConfiguration) error {
	p := m.params

	if p.HasDevice(FeatureEntropy) {
		entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create entropy device: %w", err)
		}
		vmCfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})
	}

	if p.HasDevice(FeatureBalloon) {
		balloon, err := vz.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create balloon device: %w", err)
		}
		vmCfg.SetMemoryBalloonDevicesVirtualMachineConfiguration([]vz.MemoryBalloonDeviceConfiguration{balloon})
	}

	if p.HasDevice(FeatureAudio) {
		output, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create audio output: %w", err)
		}
		sound, err := vz.NewVirtioSoundDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create audio device: %w", err)
		}
		sound.SetStreams(output)
		vmCfg.SetAudioDevicesVirtualMachineConfiguration([]vz.AudioDeviceConfiguration{sound})
	}

	if p.HasDevice(FeatureKeyboard) {
		keyboard, err := vz.NewUSBKeyboardConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create keyboard: %w", err)
		}
		vmCfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})
	}

	if p.HasDevice(FeaturePointer) {
		pointer, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create pointing device: %w", err)
		}
		vmCfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{pointer})
	}
	return nil
}

func (e *vzEngine) Start(ctx context.Context, h Handle) (<-chan error, error) {
	m, err := e.machine(h)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil, fmt.Errorf("vzEngine: %s already started", h)
	}
	if err := m.vm.Start(); err != nil {
		return nil, fmt.Errorf("vzEngine: start VM: %w", err)
	}
	m.running = true
	go m.monitor()
	return m.exited, nil
}

// monitor waits for the machine to leave the running states and reports the
// outcome on m.exited.
func (m *vzMachine) monitor() {
	for state := range m.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			m.finish(nil)
			return
		case vz.VirtualMachineStateError:
			m.finish(errors.New("vzEngine: virtual machine entered error state"))
			return
		}
	}
	m.finish(nil)
}

func (m *vzMachine) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.exited <- err
}

func (e *vzEngine) RequestStop(ctx context.Context, h Handle, force bool) error {
	m, err := e.machine(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}

	if force {
		if err := m.vm.Stop(); err != nil {
			return fmt.Errorf("vzEngine: force stop: %w", err)
		}
		return nil
	}

	if !m.vm.CanRequestStop() {
		return fmt.Errorf("vzEngine: guest cannot accept a stop request: %w", ErrUnsupported)
	}
	ok, err := m.vm.RequestStop()
	if err != nil || !ok {
		return fmt.Errorf("vzEngine: request stop failed: %w", err)
	}
	return nil
}

func (e *vzEngine) Pause(ctx context.Context, h Handle) error {
	m, err := e.machine(h)
	if err != nil {
		return err
	}
	if !m.vm.CanPause() {
		return fmt.Errorf("vzEngine: pause: %w", ErrNotRunning)
	}
	if err := m.vm.Pause(); err != nil {
		return fmt.Errorf("vzEngine: pause: %w", err)
	}
	return nil
}

func (e *vzEngine) Resume(ctx context.Context, h Handle) error {
	m, err := e.machine(h)
	if err != nil {
		return err
	}
	if !m.vm.CanResume() {
		return fmt.Errorf("vzEngine: resume: %w", ErrNotRunning)
	}
	if err := m.vm.Resume(); err != nil {
		return fmt.Errorf("vzEngine: resume: %w", err)
	}
	return nil
}

func (e *vzEngine) Install(ctx context.Context, h Handle, image string) (<-chan Progress, error) {
	if err := e.caps.Require(FeatureInstall); err != nil {
		return nil, err
	}
	m, err := e.machine(h)
	if err != nil {
		return nil, err
	}

	progress := make(chan Progress, 1)
	if m.params.OS == GuestMacOS {
		go func() {
			defer close(progress)
			runMacOSInstaller(ctx, m.vm, image, progress)
		}()
		return progress, nil
	}

	// Linux guests install by booting from the attached image; the installer
	// powers the machine off when it is done.
	exited, err := e.Start(ctx, h)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(progress)
		progress <- Progress{Fraction: 0}
		select {
		case err := <-exited:
			if err != nil {
				progress <- Progress{Err: err}
				return
			}
			progress <- Progress{Fraction: 1}
		case <-ctx.Done():
			if err := e.RequestStop(context.Background(), h, true); err != nil {
				e.log.WithError(err).Warn("abort install")
			}
			<-exited
			progress <- Progress{Err: ctx.Err()}
		}
	}()
	return progress, nil
}

func (e *vzEngine) Console(h Handle, serial int) (io.Writer, io.Reader, error) {
	m, err := e.machine(h)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.consoles[serial]
	if !ok {
		return nil, nil, fmt.Errorf("vzEngine: serial %d: %w", serial, ErrNoConsole)
	}
	return c.in, c.out, nil
}

func (e *vzEngine) Release(h Handle) error {
	e.mu.Lock()
	m, ok := e.machines[h]
	delete(e.machines, h)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running && m.vm.CanStop() {
		if err := m.vm.Stop(); err != nil {
			e.log.WithError(err).Warn("stop on release")
		}
	}
	return m.closeConsoles()
}

func (m *vzMachine) closeConsoles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for i, c := range m.consoles {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("serial %d: %w", i, err))
		}
	}
	m.consoles = map[int]*console{}
	if len(errs) > 0 {
		return fmt.Errorf("vzEngine: close console: %w", errors.Join(errs...))
	}
	return nil
}
