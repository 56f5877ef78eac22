// Package exec defines the boundary to the execution collaborator that
// materializes physical plans on this node.
package exec

import (
	"context"

	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
)

// Executor materializes a physical plan into rows. Implementations must
// honor context cancellation between steps.
type Executor interface {
	Execute(ctx context.Context, qp *plan.QueryPlan) (*result.ResultSet, error)
	Close() error
}

// Device describes one visible accelerator device.
type Device struct {
	ID          int
	MemoryBytes int64
}

// DeviceInventory is implemented by executors that own accelerator devices.
// The engine derives the GPU admission budget from it.
type DeviceInventory interface {
	Devices() []Device
}

// Renderer is implemented by executors that can produce rendered output.
type Renderer interface {
	RenderVega(ctx context.Context, widgetID int64, vega string) ([]byte, error)
}

// MemoryClearer is implemented by executors that hold device memory pools
// which can be flushed on demand.
type MemoryClearer interface {
	ClearGPUMemory(ctx context.Context) error
}
