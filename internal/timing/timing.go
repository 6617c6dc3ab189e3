// Package timing measures the phases of a VM start.
package timing

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks durations of named phases. It is safe for concurrent use.
type Timer struct {
	start time.Time
	now   func() time.Time

	mu     sync.Mutex
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	start := now()
	return &Timer{start: start, last: start, now: now}
}

// Mark records a named phase ending now.
// Duration is time since last mark (or since start if first mark).
func (t *Timer) Mark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Fields returns the phases as log fields.
func (t *Timer) Fields() logrus.Fields {
	fields := logrus.Fields{"total": formatDuration(t.Total())}
	for _, p := range t.Phases() {
		fields[p.Name] = formatDuration(p.Duration)
	}
	return fields
}

// Log writes the phases at debug level.
func (t *Timer) Log(log *logrus.Entry, msg string) {
	log.WithFields(t.Fields()).Debug(msg)
}

// Report prints a timing table to w.
func (t *Timer) Report(w io.Writer, title string) {
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
