// Package terminal attaches the user's terminal to a VM serial console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Source provides the I/O of the serial consoles of a running VM.
type Source interface {
	Console(serial int) (in io.Writer, out io.Reader, err error)
}

// Console is the user side of an attachment.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
	tty bool
}

// Current returns the console of the process' stdin and stdout.
func Current() *Console {
	fd := int(os.Stdin.Fd())
	return &Console{
		in:  os.Stdin,
		out: os.Stdout,
		fd:  fd,
		tty: term.IsTerminal(fd),
	}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRaw puts the terminal into raw mode and returns a restore function.
// It does nothing when the console is not a terminal.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// AttachSerial attaches to the builtin serial at index of src.
func (c *Console) AttachSerial(ctx context.Context, src Source, index int) error {
	vmIn, vmOut, err := src.Console(index)
	if err != nil {
		return fmt.Errorf("open serial %d: %w", index, err)
	}
	return c.Attach(ctx, vmIn, vmOut)
}

// Attach connects the console to VM I/O with bidirectional copy.
// It returns nil when the VM side of the console closes, ctx's error when
// ctx ends, and ErrEscapeSequence when the user presses Ctrl+] twice.
func (c *Console) Attach(ctx context.Context, vmIn io.Writer, vmOut io.Reader) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.out, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to detach)\r\n")

	escapeReader := NewEscapeReader(c.in)
	inDone := make(chan struct{})
	outDone := make(chan struct{})

	// console -> VM
	go func() {
		defer close(inDone)
		io.Copy(vmIn, escapeReader)
	}()

	// VM -> console
	go func() {
		defer close(outDone)
		io.Copy(c.out, vmOut)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-outDone:
		return nil
	case <-inDone:
	}

	if escapeReader.Detected() {
		fmt.Fprintf(c.out, "\r\nDetached.\r\n")
		return ErrEscapeSequence
	}

	// Input ended; keep showing output until the VM side closes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-outDone:
		return nil
	}
}
