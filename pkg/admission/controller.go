package admission

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/dberr"
)

// Limits carries the admission ceilings. All values are read once at
// construction; the controller never consults configuration afterwards.
type Limits struct {
	// MaxRenderSessions bounds concurrent render executions.
	MaxRenderSessions int64

	// RenderMemoryBytes bounds the render buffer pool.
	RenderMemoryBytes int64

	// RenderAutoClear frees released render memory immediately instead of
	// keeping it reclaimable.
	RenderAutoClear bool

	// RenderOOMRetries bounds the retry attempts after reclaiming render
	// memory on an exhausted acquisition. Zero disables the retry path.
	RenderOOMRetries int

	// GPUMemoryBytes bounds device memory reservations. This is the total
	// visible device memory minus the configured reserved margin; zero
	// means no device memory is available.
	GPUMemoryBytes int64

	// ReaderThreads is the size of the shared reader pool. Zero means no
	// dedicated pool; reader slots are granted as no-op tickets.
	ReaderThreads int64
}

// Controller arbitrates acquisition of the bounded resources. Simple
// counters use compare-and-swap loops; the render memory pair (in use plus
// reclaimable) shares one small critical section. An acquisition is never
// allowed to push a counter past its ceiling, regardless of contention.
type Controller struct {
	log *slog.Logger

	maxRenderSessions int64
	renderSessions    atomic.Int64

	gpuLimit int64
	gpuInUse atomic.Int64

	readerSlots  int64
	readersInUse atomic.Int64

	autoClear  bool
	oomRetries int

	render renderPool
}

// renderPool tracks render memory. inUse bytes belong to live tickets;
// cached bytes were released but remain allocated until a clear.
type renderPool struct {
	mu     sync.Mutex
	limit  int64
	inUse  int64
	cached int64
	clears int64
}

// Stats is a point-in-time snapshot of the controller's counters.
type Stats struct {
	RenderSessions     int64
	MaxRenderSessions  int64
	RenderMemoryInUse  int64
	RenderMemoryCached int64
	RenderMemoryLimit  int64
	RenderMemoryClears int64
	GPUMemoryInUse     int64
	GPUMemoryLimit     int64
	ReaderThreadsInUse int64
	ReaderThreads      int64
}

// New builds a controller enforcing the given limits.
func New(limits Limits, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:               log,
		maxRenderSessions: limits.MaxRenderSessions,
		gpuLimit:          limits.GPUMemoryBytes,
		readerSlots:       limits.ReaderThreads,
		autoClear:         limits.RenderAutoClear,
		oomRetries:        limits.RenderOOMRetries,
		render:            renderPool{limit: limits.RenderMemoryBytes},
	}
}

// FromConfig builds a controller from the system configuration.
// gpuMemoryBytes is the device budget computed by the caller from the
// visible devices minus the reserved margin.
func FromConfig(cfg *config.SystemConfig, gpuMemoryBytes int64, log *slog.Logger) *Controller {
	return New(Limits{
		MaxRenderSessions: int64(cfg.Rendering.MaxSessions),
		RenderMemoryBytes: cfg.Rendering.MemoryBytes,
		RenderAutoClear:   cfg.Rendering.AutoClearMemory,
		RenderOOMRetries:  cfg.Rendering.OOMRetryThreshold,
		GPUMemoryBytes:    gpuMemoryBytes,
		ReaderThreads:     int64(cfg.ReaderThreads),
	}, log)
}

// Acquire grants amount units of the resource or fails with a
// resource-exhausted error when granting would exceed the ceiling.
func (c *Controller) Acquire(kind Kind, amount int64) (*Ticket, error) {
	if amount <= 0 {
		return nil, dberr.Newf(dberr.KindInternal, "admission: non-positive amount %d for %s", amount, kind)
	}

	switch kind {
	case RenderSession:
		if !tryAdd(&c.renderSessions, amount, c.maxRenderSessions) {
			return nil, exhausted(kind, amount, c.renderSessions.Load(), c.maxRenderSessions)
		}
	case RenderMemory:
		if err := c.acquireRenderMemory(amount); err != nil {
			return nil, err
		}
	case GPUMemory:
		if !tryAdd(&c.gpuInUse, amount, c.gpuLimit) {
			return nil, exhausted(kind, amount, c.gpuInUse.Load(), c.gpuLimit)
		}
	case ReaderThread:
		if c.readerSlots == 0 {
			// No dedicated pool; the read runs on the caller's
			// goroutine and the grant carries nothing back.
			amount = 0
		} else if !tryAdd(&c.readersInUse, amount, c.readerSlots) {
			return nil, exhausted(kind, amount, c.readersInUse.Load(), c.readerSlots)
		}
	default:
		return nil, dberr.Newf(dberr.KindInternal, "admission: unknown resource kind %d", kind)
	}

	return newTicket(c, kind, amount), nil
}

// acquireRenderMemory grants render pool bytes, reclaiming cached bytes and
// retrying up to the configured budget before giving up. The lock is dropped
// between attempts so concurrent releases can land.
func (c *Controller) acquireRenderMemory(n int64) error {
	for attempt := 0; ; attempt++ {
		c.render.mu.Lock()
		if n > c.render.limit {
			held := c.render.inUse + c.render.cached
			c.render.mu.Unlock()
			return exhausted(RenderMemory, n, held, c.render.limit)
		}
		if c.render.limit-c.render.inUse-c.render.cached >= n {
			c.render.inUse += n
			c.render.mu.Unlock()
			return nil
		}
		if attempt >= c.oomRetries {
			held := c.render.inUse + c.render.cached
			c.render.mu.Unlock()
			return exhausted(RenderMemory, n, held, c.render.limit)
		}
		if c.render.cached > 0 {
			c.log.Warn("render memory exhausted, reclaiming cached buffers",
				"requested_bytes", n,
				"cached_bytes", c.render.cached,
				"attempt", attempt+1)
			c.render.cached = 0
			c.render.clears++
		}
		c.render.mu.Unlock()
		runtime.Gosched()
	}
}

// release returns a granted amount. Reached only through Ticket.Release,
// which guarantees exactly one call per acquisition.
func (c *Controller) release(kind Kind, amount int64) {
	if amount == 0 {
		return
	}
	switch kind {
	case RenderSession:
		c.renderSessions.Add(-amount)
	case RenderMemory:
		c.render.mu.Lock()
		c.render.inUse -= amount
		if !c.autoClear {
			c.render.cached += amount
		}
		c.render.mu.Unlock()
	case GPUMemory:
		c.gpuInUse.Add(-amount)
	case ReaderThread:
		c.readersInUse.Add(-amount)
	}
}

// ClearRenderMemory frees the reclaimable render bytes and returns how many
// were freed.
func (c *Controller) ClearRenderMemory() int64 {
	c.render.mu.Lock()
	defer c.render.mu.Unlock()
	freed := c.render.cached
	c.render.cached = 0
	if freed > 0 {
		c.render.clears++
	}
	return freed
}

// Stats returns a snapshot of the current counters.
func (c *Controller) Stats() Stats {
	c.render.mu.Lock()
	renderInUse := c.render.inUse
	renderCached := c.render.cached
	clears := c.render.clears
	c.render.mu.Unlock()

	return Stats{
		RenderSessions:     c.renderSessions.Load(),
		MaxRenderSessions:  c.maxRenderSessions,
		RenderMemoryInUse:  renderInUse,
		RenderMemoryCached: renderCached,
		RenderMemoryLimit:  c.render.limit,
		RenderMemoryClears: clears,
		GPUMemoryInUse:     c.gpuInUse.Load(),
		GPUMemoryLimit:     c.gpuLimit,
		ReaderThreadsInUse: c.readersInUse.Load(),
		ReaderThreads:      c.readerSlots,
	}
}

// tryAdd bumps counter by amount unless that would exceed ceiling.
func tryAdd(counter *atomic.Int64, amount, ceiling int64) bool {
	for {
		current := counter.Load()
		next := current + amount
		if next > ceiling {
			return false
		}
		if counter.CompareAndSwap(current, next) {
			return true
		}
	}
}

func exhausted(kind Kind, requested, held, limit int64) error {
	return dberr.Newf(dberr.KindResourceExhausted,
		"%s exhausted: requested %d, holding %d of %d", kind, requested, held, limit)
}
