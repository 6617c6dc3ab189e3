package vm

import (
	"context"
	"sync"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Operation is the pending result of a lifecycle request. Precondition
// failures complete it immediately; engine work completes it later.
type Operation struct {
	done chan struct{}
	once sync.Once

	handle hypervisor.Handle
	err    error
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// rejected returns an operation that already failed with err.
func rejected(err error) *Operation {
	op := newOperation()
	op.complete("", err)
	return op
}

func (o *Operation) complete(h hypervisor.Handle, err error) {
	o.once.Do(func() {
		o.handle = h
		o.err = err
		close(o.done)
	})
}

// Done is closed when the operation completes.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation completes or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result, or nil while the operation is pending.
func (o *Operation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Handle returns the engine handle the operation acted on, once done.
func (o *Operation) Handle() hypervisor.Handle {
	select {
	case <-o.done:
		return o.handle
	default:
		return ""
	}
}
