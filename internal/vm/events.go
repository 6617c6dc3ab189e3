package vm

import (
	"sync"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"

	"github.com/javanstorm/vmctl/internal/machine"
	"github.com/javanstorm/vmctl/internal/registry"
)

// EventKind classifies controller events.
type EventKind string

const (
	EventStateChanged         EventKind = "state-changed"
	EventValidationNotice     EventKind = "validation-notice"
	EventConfigurationChanged EventKind = "configuration-changed"
	EventRegistryChanged      EventKind = "registry-changed"
)

// Event is one entry of a VM's event stream. Seq increases by one for each
// event of the VM.
type Event struct {
	Seq  uint64
	VM   string
	Kind EventKind
	Time time.Time

	State   State                     // state-changed
	Notices []machine.ValidationError // validation-notice
	Change  machine.Change            // configuration-changed
	Entry   *registry.Entry           // registry-changed
}

// Subscription receives a VM's events in emission order.
type Subscription struct {
	id  int
	hub *hub
	ch  *infinity.Channel[Event]

	once sync.Once
}

// Events returns the event stream. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch.Out()
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

// hub fans events out to subscribers. Each subscriber has an unbounded
// queue so emission never waits for a slow reader.
type hub struct {
	vm string

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]*Subscription
}

func newHub(vm string) *hub {
	return &hub{vm: vm, subs: make(map[int]*Subscription)}
}

func (h *hub) subscribe(current State) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscription{id: h.nextID, hub: h, ch: infinity.NewChannel[Event]()}
	h.nextID++
	h.subs[s.id] = s
	s.ch.In() <- Event{Seq: h.seq, VM: h.vm, Kind: EventStateChanged, Time: time.Now(), State: current}
	return s
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		s.ch.Close()
	}
}

func (h *hub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	ev.VM = h.vm
	ev.Time = time.Now()
	for _, s := range h.subs {
		s.ch.In() <- ev
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		s.ch.Close()
	}
}
