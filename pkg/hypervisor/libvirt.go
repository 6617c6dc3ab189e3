package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

const (
	defaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"
	libvirtDomainPrefix  = "vmctl-"
	libvirtPollInterval  = time.Second
)

// libvirt domain states (virDomainState).
const (
	domainStateRunning = 1
	domainStatePaused  = 3
	domainStateShutoff = 5
	domainStateCrashed = 6

	domainShutoffCrashed = 3 // VIR_DOMAIN_SHUTOFF_CRASHED
)

// libvirtClient is the subset of *libvirt.Libvirt the engine uses.
type libvirtClient interface {
	ConnectGetLibVersion() (uint64, error)
	NodeGetInfo() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainSuspend(dom libvirt.Domain) error
	DomainResume(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
}

// libvirtEngine implements Engine on top of a local libvirtd.
type libvirtEngine struct {
	client libvirtClient
	log    *logrus.Entry
	caps   Capabilities
	poll   time.Duration

	mu      sync.Mutex
	domains map[Handle]*libvirtDomain
}

type libvirtDomain struct {
	mu      sync.Mutex
	params  *Params
	dom     libvirt.Domain
	running bool
	stop    chan struct{}
	exited  chan error
	ttys    map[int]*os.File
}

func newLibvirtEngine(opts Options) (Engine, error) {
	socket := opts.LibvirtSocket
	if socket == "" {
		socket = defaultLibvirtSocket
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socket),
		dialers.WithLocalTimeout(timeout),
	)
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("libvirtEngine: connect to %s: %w", socket, err)
	}
	return newLibvirtEngineWithClient(l, opts.Logger)
}

func newLibvirtEngineWithClient(client libvirtClient, log *logrus.Entry) (*libvirtEngine, error) {
	raw, err := client.ConnectGetLibVersion()
	if err != nil {
		return nil, fmt.Errorf("libvirtEngine: get version: %w", err)
	}
	version := &semver.Version{
		Major: int64(raw / 1000000),
		Minor: int64(raw / 1000 % 1000),
		Patch: int64(raw % 1000),
	}

	_, memKiB, cpus, _, _, _, _, _, err := client.NodeGetInfo()
	if err != nil {
		return nil, fmt.Errorf("libvirtEngine: node info: %w", err)
	}

	caps := NewCapabilities(EngineLibvirt, runtime.GOARCH, version, libvirtFeatures...)
	caps.MaxCPUs = uint(cpus)
	caps.MaxMemoryBytes = memKiB * 1024

	return &libvirtEngine{
		client:  client,
		log:     log.WithField("engine", EngineLibvirt),
		caps:    caps,
		poll:    libvirtPollInterval,
		domains: make(map[Handle]*libvirtDomain),
	}, nil
}

func (e *libvirtEngine) Info() Info {
	return Info{
		Name:    EngineLibvirt,
		Version: e.caps.HostVersion.String(),
		Arch:    runtime.GOARCH,
	}
}

func (e *libvirtEngine) Capabilities() Capabilities {
	return e.caps
}

func (e *libvirtEngine) domain(h Handle) (*libvirtDomain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[h]
	if !ok {
		return nil, fmt.Errorf("libvirtEngine: %w: %s", ErrUnknownHandle, h)
	}
	return d, nil
}

func (e *libvirtEngine) Configure(ctx context.Context, p *Params) (Handle, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if p.OS == GuestMacOS {
		return "", fmt.Errorf("libvirtEngine: macOS guest: %w", ErrUnsupported)
	}
	if p.CPUs > e.caps.MaxCPUs || p.MemoryBytes > e.caps.MaxMemoryBytes {
		return "", fmt.Errorf("libvirtEngine: %w: host has %d CPUs and %d bytes",
			ErrResourceUnavailable, e.caps.MaxCPUs, e.caps.MaxMemoryBytes)
	}
	for _, d := range p.Drives {
		if _, err := os.Stat(d.ImagePath); err != nil {
			return "", fmt.Errorf("libvirtEngine: drive %s: %w: %v", d.ID, ErrResourceUnavailable, err)
		}
	}

	xml, err := DomainXML(p)
	if err != nil {
		return "", err
	}
	dom, err := e.client.DomainDefineXML(xml)
	if err != nil {
		return "", fmt.Errorf("libvirtEngine: define domain: %w", err)
	}

	h := Handle(uuid.NewString())
	e.mu.Lock()
	e.domains[h] = &libvirtDomain{
		params: p,
		dom:    dom,
		stop:   make(chan struct{}),
		exited: make(chan error, 1),
		ttys:   make(map[int]*os.File),
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"vm": p.Name, "domain": dom.Name}).Debug("defined")
	return h, nil
}

// DomainXML renders the libvirt domain definition for p.
func DomainXML(p *Params) (string, error) {
	arch := "x86_64"
	if runtime.GOARCH == "arm64" {
		arch = "aarch64"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: libvirtDomainPrefix + p.ID,
		UUID: p.ID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(p.MemoryBytes / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     p.CPUs,
		},
		OS: &libvirtxml.DomainOS{
			Firmware: "efi",
			Type: &libvirtxml.DomainOSType{
				Arch: arch,
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices:    &libvirtxml.DomainDeviceList{},
	}
	devices := domain.Devices

	var bootOrder uint = 1
	if p.InstallImage != "" {
		devices.Disks = append(devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: p.InstallImage},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
			Boot:     &libvirtxml.DomainDeviceBoot{Order: bootOrder},
		})
		bootOrder++
	}

	var virtio, usb int
	for _, d := range p.Drives {
		disk := libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: imageFormat(d.ImagePath)},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.ImagePath},
			},
			Serial: d.ID,
		}
		if d.Removable {
			disk.Target = &libvirtxml.DomainDiskTarget{Dev: fmt.Sprintf("sd%c", 'b'+usb), Bus: "usb"}
			disk.Serial = ""
			usb++
		} else {
			disk.Target = &libvirtxml.DomainDiskTarget{Dev: fmt.Sprintf("vd%c", 'a'+virtio), Bus: "virtio"}
			if virtio == 0 {
				disk.Boot = &libvirtxml.DomainDeviceBoot{Order: bootOrder}
			}
			virtio++
		}
		if d.ReadOnly {
			disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
		}
		devices.Disks = append(devices.Disks, disk)
	}

	for _, n := range p.Networks {
		iface := libvirtxml.DomainInterface{
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		}
		if n.Mode == NetworkBridged {
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: n.Interface},
			}
		} else {
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "default"},
			}
		}
		if n.MACAddress != "" {
			iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: n.MACAddress}
		}
		devices.Interfaces = append(devices.Interfaces, iface)
	}

	var port uint
	for _, s := range p.Serials {
		if !s.Builtin {
			continue
		}
		target := port
		devices.Serials = append(devices.Serials, libvirtxml.DomainSerial{
			Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
			Target: &libvirtxml.DomainSerialTarget{Port: &target},
		})
		port++
	}

	for range p.Displays {
		devices.Videos = append(devices.Videos, libvirtxml.DomainVideo{
			Model: libvirtxml.DomainVideoModel{Type: "virtio"},
		})
	}
	if len(p.Displays) > 0 {
		devices.Graphics = []libvirtxml.DomainGraphic{
			{VNC: &libvirtxml.DomainGraphicVNC{AutoPort: "yes"}},
		}
	}

	if len(p.Shares) > 0 {
		// virtiofs needs shared guest memory.
		domain.MemoryBacking = &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{Type: "memfd"},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{Mode: "shared"},
		}
		for _, s := range p.Shares {
			fs := libvirtxml.DomainFilesystem{
				Driver: &libvirtxml.DomainFilesystemDriver{Type: "virtiofs"},
				Source: &libvirtxml.DomainFilesystemSource{
					Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: s.Path},
				},
				Target: &libvirtxml.DomainFilesystemTarget{Dir: s.Tag},
			}
			if s.ReadOnly {
				fs.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
			}
			devices.Filesystems = append(devices.Filesystems, fs)
		}
	}

	if p.HasDevice(FeatureBalloon) {
		devices.MemBalloon = &libvirtxml.DomainMemBalloon{Model: "virtio"}
	} else {
		devices.MemBalloon = &libvirtxml.DomainMemBalloon{Model: "none"}
	}
	if p.HasDevice(FeatureEntropy) {
		devices.RNGs = []libvirtxml.DomainRNG{{
			Model: "virtio",
			Backend: &libvirtxml.DomainRNGBackend{
				Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
			},
		}}
	}
	if p.HasDevice(FeatureAudio) {
		devices.Sounds = []libvirtxml.DomainSound{{Model: "ich9"}}
	}
	if p.HasDevice(FeatureKeyboard) {
		devices.Inputs = append(devices.Inputs, libvirtxml.DomainInput{Type: "keyboard", Bus: "usb"})
	}
	if p.HasDevice(FeaturePointer) {
		devices.Inputs = append(devices.Inputs, libvirtxml.DomainInput{Type: "tablet", Bus: "usb"})
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("libvirtEngine: marshal domain XML: %w", err)
	}
	return xml, nil
}

func imageFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".qcow2":
		return "qcow2"
	default:
		return "raw"
	}
}

func (e *libvirtEngine) Start(ctx context.Context, h Handle) (<-chan error, error) {
	d, err := e.domain(h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil, fmt.Errorf("libvirtEngine: %s already started", h)
	}
	if err := e.client.DomainCreate(d.dom); err != nil {
		return nil, fmt.Errorf("libvirtEngine: start domain: %w", err)
	}
	d.running = true
	go e.watch(d)
	return d.exited, nil
}

// watch polls the domain state until it shuts off.
func (e *libvirtEngine) watch(d *libvirtDomain) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		state, reason, err := e.client.DomainGetState(d.dom, 0)
		if err != nil {
			d.finish(fmt.Errorf("libvirtEngine: get state: %w", err))
			return
		}
		switch {
		case state == domainStateShutoff && reason == domainShutoffCrashed, state == domainStateCrashed:
			d.finish(errors.New("libvirtEngine: domain crashed"))
			return
		case state == domainStateShutoff:
			d.finish(nil)
			return
		}
	}
}

func (d *libvirtDomain) finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	d.exited <- err
}

func (e *libvirtEngine) RequestStop(ctx context.Context, h Handle, force bool) error {
	d, err := e.domain(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if force {
		if err := e.client.DomainDestroy(d.dom); err != nil {
			return fmt.Errorf("libvirtEngine: destroy: %w", err)
		}
		return nil
	}
	if err := e.client.DomainShutdown(d.dom); err != nil {
		return fmt.Errorf("libvirtEngine: shutdown: %w", err)
	}
	return nil
}

func (e *libvirtEngine) Pause(ctx context.Context, h Handle) error {
	d, err := e.domain(h)
	if err != nil {
		return err
	}
	if err := e.client.DomainSuspend(d.dom); err != nil {
		return fmt.Errorf("libvirtEngine: suspend: %w", err)
	}
	return nil
}

func (e *libvirtEngine) Resume(ctx context.Context, h Handle) error {
	d, err := e.domain(h)
	if err != nil {
		return err
	}
	state, _, err := e.client.DomainGetState(d.dom, 0)
	if err != nil {
		return fmt.Errorf("libvirtEngine: get state: %w", err)
	}
	if state != domainStatePaused {
		return fmt.Errorf("libvirtEngine: resume: %w", ErrNotRunning)
	}
	if err := e.client.DomainResume(d.dom); err != nil {
		return fmt.Errorf("libvirtEngine: resume: %w", err)
	}
	return nil
}

// Install boots the domain from its install image. Progress is coarse: the
// installer is done when the guest powers off.
func (e *libvirtEngine) Install(ctx context.Context, h Handle, image string) (<-chan Progress, error) {
	d, err := e.domain(h)
	if err != nil {
		return nil, err
	}
	if d.params.InstallImage != image {
		return nil, fmt.Errorf("libvirtEngine: domain was not configured with %s", image)
	}
	exited, err := e.Start(ctx, h)
	if err != nil {
		return nil, err
	}

	progress := make(chan Progress, 1)
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

// Console opens the pty libvirt allocated for the builtin serial at index.
func (e *libvirtEngine) Console(h Handle, serial int) (io.Writer, io.Reader, error) {
	d, err := e.domain(h)
	if err != nil {
		return nil, nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.ttys[serial]; ok {
		return f, f, nil
	}

	port := -1
	for i, s := range d.params.Serials {
		if s.Builtin {
			port++
		}
		if i == serial {
			if !s.Builtin {
				port = -1
			}
			break
		}
	}
	if port < 0 {
		return nil, nil, fmt.Errorf("libvirtEngine: serial %d: %w", serial, ErrNoConsole)
	}

	raw, err := e.client.DomainGetXMLDesc(d.dom, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("libvirtEngine: get live XML: %w", err)
	}
	var live libvirtxml.Domain
	if err := live.Unmarshal(raw); err != nil {
		return nil, nil, fmt.Errorf("libvirtEngine: parse live XML: %w", err)
	}
	if live.Devices == nil || port >= len(live.Devices.Serials) {
		return nil, nil, fmt.Errorf("libvirtEngine: serial %d: %w", serial, ErrNoConsole)
	}
	src := live.Devices.Serials[port].Source
	if src == nil || src.Pty == nil || src.Pty.Path == "" {
		return nil, nil, fmt.Errorf("libvirtEngine: serial %d has no pty: %w", serial, ErrNoConsole)
	}

	f, err := os.OpenFile(src.Pty.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("libvirtEngine: open %s: %w", src.Pty.Path, err)
	}
	d.ttys[serial] = f
	return f, f, nil
}

func (e *libvirtEngine) Release(h Handle) error {
	e.mu.Lock()
	d, ok := e.domains[h]
	delete(e.domains, h)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	d.mu.Lock()
	running := d.running
	d.running = false
	close(d.stop)
	for _, f := range d.ttys {
		f.Close()
	}
	d.ttys = nil
	d.mu.Unlock()

	var errs []error
	if running {
		if err := e.client.DomainDestroy(d.dom); err != nil {
			errs = append(errs, fmt.Errorf("destroy: %w", err))
		}
	}
	if err := e.client.DomainUndefineFlags(d.dom, libvirt.DomainUndefineNvram); err != nil {
		errs = append(errs, fmt.Errorf("undefine: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("libvirtEngine: release %s: %w", h, errors.Join(errs...))
	}
	return nil
}
