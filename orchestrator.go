package weft

import (
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RuntimeOptions sizes the orchestrator-private structures.
type RuntimeOptions struct {
	TensorMapBuckets  int
	TensorMapPoolSize int
}

// DefaultRuntimeOptions returns the standard index sizing.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		TensorMapBuckets:  DefaultTensorMapBuckets,
		TensorMapPoolSize: DefaultTensorMapPoolSize,
	}
}

// Runtime is the orchestrator side of the shared region: it consumes
// task submissions, derives dependencies through the TensorMap, admits
// tasks into the window, reclaims retired slots, and publishes
// submitted_count for the executor.
//
// A Runtime is single-threaded and cooperative: it may spin-suspend only
// when the task window, the TensorMap pool, or the dep-list pool is
// saturated, re-reading last_task_alive until the executor frees
// capacity. The heap and TensorMap are private to it; the executor
// touches only the shared header and window.
type Runtime struct {
	sm   *SharedMemory
	heap *Heap
	tmap *TensorMap
	deps *depPool

	// reclaimed is the id below which slots have been returned to Empty
	// and their successor chains freed. Always <= last_task_alive.
	reclaimed int32
}

// NewRuntime builds an orchestrator over a shared region and a device
// heap arena [heapBase, heapBase+heapSize).
func NewRuntime(sm *SharedMemory, heapBase, heapSize uint64) *Runtime {
	return NewRuntimeWithOptions(sm, heapBase, heapSize, DefaultRuntimeOptions())
}

// NewRuntimeWithOptions builds an orchestrator with explicit TensorMap
// sizing.
func NewRuntimeWithOptions(sm *SharedMemory, heapBase, heapSize uint64, opts RuntimeOptions) *Runtime {
	rt := &Runtime{
		sm:   sm,
		heap: NewHeap(heapBase, heapSize),
		tmap: NewTensorMap(opts.TensorMapBuckets, opts.TensorMapPoolSize, sm.WindowCap(), sm.Header),
		deps: newDepPool(sm.DepPool),
	}
	rt.sm.Header.HeapBasePtr = heapBase
	return rt
}

// Heap exposes the runtime's arena for scope management and tests.
func (rt *Runtime) Heap() *Heap {
	return rt.heap
}

// TensorMap exposes the producer index for diagnostics and tests.
func (rt *Runtime) TensorMap() *TensorMap {
	return rt.tmap
}

// sync pulls the executor's retirement frontier into the TensorMap and
// reclaims retired window slots (status back to Empty, successor chains
// returned to the dep pool).
func (rt *Runtime) sync() {
	frontier := rt.sm.Header.LastTaskAlive.Load()
	rt.tmap.syncWithHeader()
	for id := rt.reclaimed; id < frontier; id++ {
		slot := rt.sm.Slot(id)
		assertf(slot.Status() == TaskDone, "retired task %d in state %s", id, slot.Status())
		rt.deps.freeChain(slot.SuccessorHead.Swap(nilOffset))
		slot.setStatus(TaskEmpty)
	}
	rt.reclaimed = frontier
}

// SubmitTask admits one task. funcID selects a registered kernel, kind
// the worker core class, label a diagnostic tag; params describe every
// argument in kernel order.
//
// OUTPUT params with a zero address receive a heap allocation, written
// back through the caller's descriptor. Dependencies are derived by
// probing the TensorMap with each non-scalar param and collecting every
// producer whose output overlaps (Covered or Other); OUTPUT-on-Covered
// producers are still tracked so write-after-write order is preserved.
// The task id is returned.
func (rt *Runtime) SubmitTask(funcID int32, kind WorkerKind, label string, params ...Param) int32 {
	if len(params) == 0 {
		fatalf("%v", errors.WithMessagef(ErrEmptySubmit, "submitting %q", label))
	}
	if LookupKernel(funcID) == nil {
		fatalf("%v", errors.WithMessagef(ErrUnknownKernel, "submitting %q with function id %d", label, funcID))
	}
	assertf(len(params) <= MaxTaskArgs, "task %q has %d params, max %d", label, len(params), MaxTaskArgs)

	header := rt.sm.Header
	taskID := header.SubmittedCount.Load()

	// Window backpressure: the slot for taskID must have retired.
	spins := 0
	for taskID-header.LastTaskAlive.Load() >= int32(rt.sm.WindowCap()) {
		rt.sync()
		spins++
		if spins > WatchdogSpinLimit {
			fatalf("task window stalled: submitted=%d last_task_alive=%d",
				taskID, header.LastTaskAlive.Load())
		}
		runtime.Gosched()
	}
	rt.sync()

	// Allocate OUTPUT placeholders and fill the address back into the
	// caller's descriptor.
	withAlloc := make([]bool, len(params))
	for i, p := range params {
		if p.Type != ParamOutput || p.Tensor.Buffer.Addr != 0 {
			continue
		}
		addr, err := rt.heap.Alloc(p.Tensor.Buffer.Size, HeapAlignment)
		if err != nil {
			// Heap memory frees only at scope boundaries on this same
			// goroutine, so waiting on the executor cannot help.
			fatalf("%v", errors.WithMessagef(err, "allocating %d bytes for output %d of %q",
				p.Tensor.Buffer.Size, i, label))
		}
		p.Tensor.Buffer.Addr = addr
		withAlloc[i] = true
	}

	// Collect unique predecessor task ids from producer overlap.
	var preds [MaxTaskArgs]int32
	numPreds := 0
	snapshots := make([]Tensor, len(params))
	for i, p := range params {
		if p.Type == ParamScalar {
			continue
		}
		assertf(p.Tensor.Buffer.Addr != 0, "param %d of %q has no buffer address", i, label)
		snapshots[i] = *p.Tensor
		snapshots[i].Normalize()
		for _, hit := range rt.tmap.Lookup(&snapshots[i]) {
			if hit.Status != Covered && hit.Status != Other {
				continue
			}
			seen := false
			for j := 0; j < numPreds; j++ {
				if preds[j] == hit.ProducerTaskID {
					seen = true
					break
				}
			}
			if !seen {
				assertf(numPreds < len(preds), "task %q exceeds %d distinct predecessors", label, len(preds))
				preds[numPreds] = hit.ProducerTaskID
				numPreds++
			}
		}
	}

	// Initialize the slot. Until submitted_count is published the slot
	// is orchestrator-exclusive, except for pending_preds decrements
	// arriving through edges linked below.
	slot := rt.sm.Slot(taskID)
	assertf(slot.Status() == TaskEmpty, "slot for task %d in state %s", taskID, slot.Status())
	slot.FunctionID = funcID
	slot.Worker = kind
	slot.SetLabel(label)
	slot.KernelGMAddr = kernelAddr(funcID)
	slot.NumArgs = int32(len(params))
	for i, p := range params {
		if p.Type == ParamScalar {
			slot.Args[i] = p.Scalar
		} else {
			t := p.Tensor
			slot.Args[i] = t.Buffer.Addr + t.StartOffset*t.Dtype.ElementSize()
		}
	}
	slot.SuccessorHead.Store(nilOffset)
	slot.PendingPreds.Store(int32(numPreds))
	slot.setStatus(TaskPending)

	// Link this task into each predecessor's successor chain. A
	// predecessor that is already Done never walks the new edge, so the
	// submit side claims it and satisfies the dependency immediately.
	for i := 0; i < numPreds; i++ {
		off := rt.deps.alloc()
		depSpins := 0
		for off == nilOffset {
			rt.sync()
			off = rt.deps.alloc()
			depSpins++
			if depSpins > WatchdogSpinLimit {
				fatalf("dep-list pool stalled while linking task %d", taskID)
			}
			runtime.Gosched()
		}
		node := rt.deps.node(off)

		// Only this goroutine reclaims slots, so Empty here means the
		// predecessor retired during a backpressure wait above: the
		// dependency is already satisfied and the edge is not linked.
		predSlot := rt.sm.Slot(preds[i])
		if predSlot.Status() == TaskEmpty {
			node.Next = nilOffset
			rt.deps.freeChain(off)
			if slot.PendingPreds.Add(-1) == 0 {
				slot.casStatus(TaskPending, TaskReady)
			}
			continue
		}

		node.Successor = taskID
		node.Next = predSlot.SuccessorHead.Load()
		predSlot.SuccessorHead.Store(off)

		if predSlot.Status() == TaskDone {
			if node.claim() {
				if slot.PendingPreds.Add(-1) == 0 {
					slot.casStatus(TaskPending, TaskReady)
				}
			}
		}
	}
	if numPreds == 0 {
		slot.casStatus(TaskPending, TaskReady)
	}

	// Record this task as producer for its OUTPUT and INOUT params.
	for i, p := range params {
		if p.Type != ParamOutput && p.Type != ParamInOut {
			continue
		}
		rt.tmap.Insert(&snapshots[i], taskID, withAlloc[i])
	}

	// Publish. The release store makes the fully-written slot visible
	// before the executor can observe the new count.
	header.SubmittedCount.Store(taskID + 1)

	devlog().Debug("task submitted",
		zap.Int32("task", taskID),
		zap.String("label", label),
		zap.Int("preds", numPreds))
	return taskID
}

// ScopeBegin opens a heap scope. Intermediate outputs allocated inside
// it are released by the matching ScopeEnd.
func (rt *Runtime) ScopeBegin() {
	rt.heap.ScopeBegin()
}

// ScopeEnd closes the innermost heap scope. The scope governs only the
// heap: tasks submitted inside it are not flushed, so the caller must
// ensure the scope's producers have retired before their buffers are
// reused by later allocations.
func (rt *Runtime) ScopeEnd() {
	rt.heap.ScopeEnd()
}

// Scope runs fn inside a heap scope, closing it on every exit path.
func (rt *Runtime) Scope(fn func()) {
	rt.ScopeBegin()
	defer rt.ScopeEnd()
	fn()
}

// SetGraphOutput records the final output buffer in the shared header
// for the host to read back.
func (rt *Runtime) SetGraphOutput(addr, size uint64) {
	rt.sm.Header.GraphOutputPtr = addr
	rt.sm.Header.GraphOutputSize = size
}

// OrchestrationDone signals that no further tasks will be submitted.
func (rt *Runtime) OrchestrationDone() {
	rt.sm.Header.OrchestratorDone.Store(1)
}

// PendingCount returns a task's current unsatisfied-predecessor count.
// Diagnostic accessor.
func (rt *Runtime) PendingCount(taskID int32) int32 {
	return rt.sm.Slot(taskID).PendingPreds.Load()
}
