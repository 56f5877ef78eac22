package admission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/dberr"
)

const (
	admTestRenderSessions = 8
	admTestRenderMemory   = 1000
	admTestGPUMemory      = 4096
	admTestReaderSlots    = 4
	admTestAcquirers      = 64
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(Limits{
		MaxRenderSessions: admTestRenderSessions,
		RenderMemoryBytes: admTestRenderMemory,
		GPUMemoryBytes:    admTestGPUMemory,
		ReaderThreads:     admTestReaderSlots,
	}, nil)
}

func TestController_AcquireRelease(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		amount int64
	}{
		{name: "render session", kind: RenderSession, amount: 1},
		{name: "render memory", kind: RenderMemory, amount: 256},
		{name: "gpu memory", kind: GPUMemory, amount: 1024},
		{name: "reader slot", kind: ReaderThread, amount: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestController(t)

			ticket, err := c.Acquire(tc.kind, tc.amount)
			require.NoError(t, err)
			require.NotNil(t, ticket)
			assert.Equal(t, tc.kind, ticket.Kind())
			assert.Equal(t, tc.amount, ticket.Amount())
			assert.NotEmpty(t, ticket.ID())

			require.NoError(t, ticket.Release())
		})
	}
}

func TestController_ExhaustedAndRecovery(t *testing.T) {
	c := newTestController(t)

	first, err := c.Acquire(GPUMemory, admTestGPUMemory)
	require.NoError(t, err)

	_, err = c.Acquire(GPUMemory, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, dberr.IsKind(err, dberr.KindResourceExhausted))

	require.NoError(t, first.Release())

	second, err := c.Acquire(GPUMemory, admTestGPUMemory)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestController_DoubleRelease(t *testing.T) {
	c := newTestController(t)

	ticket, err := c.Acquire(RenderSession, 1)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())

	err = ticket.Release()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDoubleRelease)
	assert.True(t, dberr.IsKind(err, dberr.KindInternal))

	// The double release must not have corrupted the counter.
	assert.Zero(t, c.Stats().RenderSessions)
}

func TestController_NonPositiveAmount(t *testing.T) {
	c := newTestController(t)

	_, err := c.Acquire(GPUMemory, 0)
	require.Error(t, err)
	assert.True(t, dberr.IsKind(err, dberr.KindInternal))

	_, err = c.Acquire(GPUMemory, -5)
	require.Error(t, err)
	assert.True(t, dberr.IsKind(err, dberr.KindInternal))
}

func TestController_ReaderPoolDisabled(t *testing.T) {
	c := New(Limits{ReaderThreads: 0}, nil)

	// Without a pool every reader acquisition succeeds as a no-op grant.
	for i := 0; i < 3*admTestReaderSlots; i++ {
		ticket, err := c.Acquire(ReaderThread, 1)
		require.NoError(t, err)
		assert.Zero(t, ticket.Amount())
		require.NoError(t, ticket.Release())
	}
	assert.Zero(t, c.Stats().ReaderThreadsInUse)
}

func TestController_RenderMemoryStaysCached(t *testing.T) {
	c := newTestController(t)

	ticket, err := c.Acquire(RenderMemory, 600)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())

	stats := c.Stats()
	assert.Zero(t, stats.RenderMemoryInUse)
	assert.Equal(t, int64(600), stats.RenderMemoryCached)

	// Cached bytes still occupy the pool; without a retry budget a large
	// acquisition fails.
	_, err = c.Acquire(RenderMemory, 500)
	assert.ErrorIs(t, err, ErrExhausted)

	freed := c.ClearRenderMemory()
	assert.Equal(t, int64(600), freed)

	ticket, err = c.Acquire(RenderMemory, 500)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())
}

func TestController_RenderMemoryAutoClear(t *testing.T) {
	c := New(Limits{RenderMemoryBytes: admTestRenderMemory, RenderAutoClear: true}, nil)

	ticket, err := c.Acquire(RenderMemory, admTestRenderMemory)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())

	stats := c.Stats()
	assert.Zero(t, stats.RenderMemoryInUse)
	assert.Zero(t, stats.RenderMemoryCached)

	// The full pool is immediately available again.
	ticket, err = c.Acquire(RenderMemory, admTestRenderMemory)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())
}

func TestController_RenderOOMRetryReclaims(t *testing.T) {
	c := New(Limits{RenderMemoryBytes: admTestRenderMemory, RenderOOMRetries: 2}, nil)

	ticket, err := c.Acquire(RenderMemory, 600)
	require.NoError(t, err)
	require.NoError(t, ticket.Release())
	require.Equal(t, int64(600), c.Stats().RenderMemoryCached)

	// With a retry budget the exhausted acquisition reclaims the cached
	// bytes and succeeds on the retry.
	ticket, err = c.Acquire(RenderMemory, 500)
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(500), stats.RenderMemoryInUse)
	assert.Zero(t, stats.RenderMemoryCached)
	assert.Equal(t, int64(1), stats.RenderMemoryClears)

	require.NoError(t, ticket.Release())
}

func TestController_RenderOversizedRequest(t *testing.T) {
	c := New(Limits{RenderMemoryBytes: admTestRenderMemory, RenderOOMRetries: 5}, nil)

	// A request larger than the pool can never fit; no amount of
	// reclaiming helps and the failure is immediate.
	_, err := c.Acquire(RenderMemory, admTestRenderMemory+1)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Zero(t, c.Stats().RenderMemoryClears)
}

func TestController_ConcurrentAcquireNeverOversubscribes(t *testing.T) {
	c := newTestController(t)

	start := make(chan struct{})
	var wg sync.WaitGroup
	tickets := make([]*Ticket, admTestAcquirers)
	errs := make([]error, admTestAcquirers)

	for i := 0; i < admTestAcquirers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tickets[i], errs[i] = c.Acquire(RenderSession, 1)
		}(i)
	}
	close(start)
	wg.Wait()

	granted := 0
	for i := range errs {
		if errs[i] == nil {
			granted++
			continue
		}
		require.ErrorIs(t, errs[i], ErrExhausted)
	}
	assert.Equal(t, admTestRenderSessions, granted,
		"exactly the ceiling may be granted")
	assert.Equal(t, int64(admTestRenderSessions), c.Stats().RenderSessions)

	for _, ticket := range tickets {
		if ticket != nil {
			require.NoError(t, ticket.Release())
		}
	}
	assert.Zero(t, c.Stats().RenderSessions, "all grants returned")
}

func TestController_ConcurrentGPUMemoryBounded(t *testing.T) {
	const chunk = admTestGPUMemory / 4

	c := newTestController(t)

	start := make(chan struct{})
	var wg sync.WaitGroup
	tickets := make([]*Ticket, admTestAcquirers)

	for i := 0; i < admTestAcquirers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tickets[i], _ = c.Acquire(GPUMemory, chunk)
		}(i)
	}
	close(start)
	wg.Wait()

	granted := 0
	for _, ticket := range tickets {
		if ticket != nil {
			granted++
		}
	}
	assert.Equal(t, 4, granted)
	assert.Equal(t, int64(admTestGPUMemory), c.Stats().GPUMemoryInUse)

	for _, ticket := range tickets {
		if ticket != nil {
			require.NoError(t, ticket.Release())
		}
	}
	assert.Zero(t, c.Stats().GPUMemoryInUse)
}

func TestController_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Rendering.MaxSessions = 2
	cfg.Rendering.MemoryBytes = 1024
	cfg.ReaderThreads = 1

	c := FromConfig(cfg, 2048, nil)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.MaxRenderSessions)
	assert.Equal(t, int64(1024), stats.RenderMemoryLimit)
	assert.Equal(t, int64(2048), stats.GPUMemoryLimit)
	assert.Equal(t, int64(1), stats.ReaderThreads)
}
