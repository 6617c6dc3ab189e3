// Package media identifies install images.
package media

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Kind is the format of an install image.
type Kind string

const (
	KindISO  Kind = "iso"
	KindIPSW Kind = "ipsw"
)

var (
	// ErrMissing is returned when the image file does not exist.
	ErrMissing = errors.New("install image not found")

	// ErrUnknownFormat is returned for files that are neither ISO9660 nor IPSW.
	ErrUnknownFormat = errors.New("unrecognized install image format")

	// ErrWrongKind is returned when the image cannot install the guest OS.
	ErrWrongKind = errors.New("install image does not match guest OS")
)

var zipMagic = []byte("PK\x03\x04")

// Info describes an install image.
type Info struct {
	Path  string
	Kind  Kind
	Size  int64
	Label string
}

// Inspect opens path and identifies its format.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open install image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat install image: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnknownFormat, path)
	}
	info := &Info{Path: path, Size: st.Size()}

	magic := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, magic); err == nil && bytes.Equal(magic, zipMagic) {
		if err := checkRestoreImage(f, st.Size()); err != nil {
			return nil, err
		}
		info.Kind = KindIPSW
		return info, nil
	}

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	root, err := img.RootDir()
	if err != nil {
		return nil, fmt.Errorf("%w: read root directory: %v", ErrUnknownFormat, err)
	}
	if _, err := root.GetChildren(); err != nil {
		return nil, fmt.Errorf("%w: list root directory: %v", ErrUnknownFormat, err)
	}
	if label, err := img.Label(); err == nil {
		info.Label = strings.TrimSpace(label)
	}
	info.Kind = KindISO
	return info, nil
}

// checkRestoreImage verifies that a zip archive carries a restore manifest.
func checkRestoreImage(r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	for _, f := range zr.File {
		if f.Name == "BuildManifest.plist" || f.Name == "Restore.plist" {
			return nil
		}
	}
	return fmt.Errorf("%w: zip archive without a restore manifest", ErrUnknownFormat)
}

// KindFor returns the image kind that installs guest.
func KindFor(guest hypervisor.GuestOS) Kind {
	if guest == hypervisor.GuestMacOS {
		return KindIPSW
	}
	return KindISO
}

// CheckFor inspects path and verifies it can install guest.
func CheckFor(path string, guest hypervisor.GuestOS) (*Info, error) {
	info, err := Inspect(path)
	if err != nil {
		return nil, err
	}
	if want := KindFor(guest); info.Kind != want {
		return nil, fmt.Errorf("%w: %s guest needs %s, got %s", ErrWrongKind, guest, want, info.Kind)
	}
	return info, nil
}
