package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader passes input through until EscapeCount escape chars arrive
// within EscapeTimeout of each other. It then closes Escaped and reports
// io.EOF. Escape chars that turn out not to be part of a sequence are
// passed on unchanged. Read must not be called concurrently.
type EscapeReader struct {
	r   io.Reader
	now func() time.Time
	buf []byte

	escaped chan struct{}
	once    sync.Once

	held    int
	last    time.Time
	pending []byte
	err     error
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{
		r:       r,
		now:     time.Now,
		escaped: make(chan struct{}),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

// Detected reports whether the escape sequence was seen.
func (e *EscapeReader) Detected() bool {
	select {
	case <-e.escaped:
		return true
	default:
		return false
	}
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(e.pending) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		if cap(e.buf) < len(p) {
			e.buf = make([]byte, len(p))
		}
		n, err := e.r.Read(e.buf[:len(p)])
		e.scan(e.buf[:n])
		if err != nil && e.err == nil {
			// A lone escape right before EOF is input, not a sequence.
			e.flush()
			e.err = err
		}
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

func (e *EscapeReader) scan(b []byte) {
	for _, c := range b {
		if c != EscapeChar {
			e.flush()
			e.pending = append(e.pending, c)
			continue
		}

		now := e.now()
		if e.held > 0 && now.Sub(e.last) > EscapeTimeout {
			e.flush()
		}
		e.held++
		e.last = now
		if e.held >= EscapeCount {
			e.held = 0
			e.once.Do(func() { close(e.escaped) })
			e.err = io.EOF
			return
		}
	}
}

// flush passes held escape chars on as input.
func (e *EscapeReader) flush() {
	for ; e.held > 0; e.held-- {
		e.pending = append(e.pending, EscapeChar)
	}
}
