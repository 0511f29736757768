// Package weft configuration constants
package weft

// Tensor descriptor limits
const (
	// Maximum number of dimensions in a strided descriptor
	MaxTensorDims = 8

	// Maximum kernel arguments per task (matches the dispatch payload)
	MaxTaskArgs = 32

	// Maximum label bytes stored in a task slot
	MaxLabelLen = 32
)

// Task window and dependency pool sizing (all capacities power of two)
const (
	// Default number of live task slots in the window ring
	DefaultTaskWindowSize = 16384

	// Default number of successor-edge nodes shared by all tasks
	DefaultDepListPoolSize = 65536
)

// TensorMap sizing
const (
	// Default bucket count for the producer hash index
	DefaultTensorMapBuckets = 4096

	// Default ring-buffer entry pool size
	DefaultTensorMapPoolSize = 16384

	// Retired tasks between explicit bucket-chain cleanups
	TensorMapCleanupInterval = 64
)

// Heap parameters
const (
	// Default device heap arena size for intermediate outputs
	DefaultHeapSize = 256 * 1024

	// Allocation alignment within the heap arena
	HeapAlignment = 64

	// Maximum nesting depth of heap scopes
	MaxHeapScopes = 32
)

// Liveness bounds
const (
	// Spin iterations before a stalled resource wait becomes fatal
	WatchdogSpinLimit = 1_000_000_000
)

// Memory alignment for device allocations (cache line)
const MemoryAlignment = 64
