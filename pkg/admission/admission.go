// Package admission bounds the engine's scarce execution resources.
//
// A controller tracks four independent counters against configured ceilings:
// concurrent render sessions, render memory bytes, GPU memory bytes and
// reader-thread slots. Callers acquire a ticket before consuming a resource
// and release it on every exit path. There is no queuing; an acquisition
// either succeeds immediately or fails with a resource-exhausted error the
// caller may retry with its own backoff.
package admission

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/YarShev/omniscidb/pkg/dberr"
)

// Kind names a bounded resource.
type Kind int

const (
	// RenderSession is one concurrent rendering execution context.
	RenderSession Kind = iota + 1

	// RenderMemory is bytes of the render buffer pool. Released bytes
	// stay reclaimable until cleared unless auto-clear is configured.
	RenderMemory

	// GPUMemory is bytes of device memory available to query execution.
	GPUMemory

	// ReaderThread is one slot of the shared reader pool.
	ReaderThread
)

// String returns the stable name used in errors, logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case RenderSession:
		return "render_sessions"
	case RenderMemory:
		return "render_memory"
	case GPUMemory:
		return "gpu_memory"
	case ReaderThread:
		return "reader_threads"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching.
var (
	// ErrExhausted marks an acquisition denied by a ceiling.
	ErrExhausted = dberr.ErrResourceExhausted

	// ErrDoubleRelease marks a ticket released more than once. It is an
	// internal fault: the counters were left intact, but the caller has a
	// lifecycle bug.
	ErrDoubleRelease = dberr.New(dberr.KindInternal, "resource ticket released twice")
)

// Ticket is a scoped grant of a bounded resource. It is owned by the
// acquiring operation and must be released exactly once on every exit path.
type Ticket struct {
	id       string
	kind     Kind
	amount   int64
	ctrl     *Controller
	released atomic.Bool
}

// ID returns the ticket's unique identifier.
func (t *Ticket) ID() string { return t.id }

// Kind returns the resource the ticket grants.
func (t *Ticket) Kind() Kind { return t.kind }

// Amount returns the granted quantity. Zero means the grant was a no-op,
// such as a reader slot when no pool is configured.
func (t *Ticket) Amount() int64 { return t.amount }

// Release returns the granted resource to the controller. The first call
// wins; any further call leaves the counters untouched and reports an
// internal fault so the lifecycle bug is not silently swallowed.
func (t *Ticket) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return fmt.Errorf("ticket %s (%s): %w", t.id, t.kind, ErrDoubleRelease)
	}
	t.ctrl.release(t.kind, t.amount)
	return nil
}

func newTicket(c *Controller, kind Kind, amount int64) *Ticket {
	return &Ticket{id: uuid.NewString(), kind: kind, amount: amount, ctrl: c}
}
