package weft

import (
	"sync/atomic"
	"unsafe"
)

// SharedMemoryHeader is the cross-core control block at the start of the
// shared region. Field order and widths are fixed; hosts compute offsets
// from this layout. All counters are 32-bit; SubmittedCount and
// LastTaskAlive are the only cross-core atomics — SubmittedCount is
// published with release ordering by the orchestrator and read with
// acquire ordering by the executor, LastTaskAlive mirrors that discipline
// in the other direction.
type SharedMemoryHeader struct {
	SubmittedCount   atomic.Int32
	LastTaskAlive    atomic.Int32
	OrchestratorDone atomic.Int32
	_                int32 // pad to 8-byte boundary
	GraphOutputPtr   uint64
	GraphOutputSize  uint64
	WindowBasePtr    uint64
	HeapBasePtr      uint64
	DepPoolBasePtr   uint64
	TaskWindowSize   int32
	DepListPoolSize  int32
}

// SharedMemory is the carved view of one shared region: the header,
// the task window ring, and the dep-list pool.
type SharedMemory struct {
	Header  *SharedMemoryHeader
	Window  []TaskSlot
	DepPool []depNode

	buf []byte // backing region, kept alive
}

// SMCalculateSize returns the byte size of a shared region holding a
// window of windowCap slots and a dep pool of depPoolCap nodes.
func SMCalculateSize(windowCap, depPoolCap int) int {
	headerSize := int(unsafe.Sizeof(SharedMemoryHeader{}))
	slotSize := int(unsafe.Sizeof(TaskSlot{}))
	nodeSize := int(unsafe.Sizeof(depNode{}))
	return alignUp(headerSize, MemoryAlignment) +
		alignUp(windowCap*slotSize, MemoryAlignment) +
		alignUp(depPoolCap*nodeSize, MemoryAlignment)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// NewSharedMemoryFromBuffer carves a shared region out of buf. The
// capacities must be powers of two and buf must hold at least
// SMCalculateSize(windowCap, depPoolCap) bytes.
func NewSharedMemoryFromBuffer(buf []byte, windowCap, depPoolCap int) *SharedMemory {
	assertf(windowCap > 0 && windowCap&(windowCap-1) == 0,
		"task window capacity %d not a power of two", windowCap)
	assertf(depPoolCap > 0 && depPoolCap&(depPoolCap-1) == 0,
		"dep pool capacity %d not a power of two", depPoolCap)
	need := SMCalculateSize(windowCap, depPoolCap)
	assertf(len(buf) >= need, "shared region %d bytes, need %d", len(buf), need)

	base := unsafe.Pointer(&buf[0])
	assertf(uintptr(base)%8 == 0, "shared region must be 8-byte aligned")

	headerSize := alignUp(int(unsafe.Sizeof(SharedMemoryHeader{})), MemoryAlignment)
	windowBytes := alignUp(windowCap*int(unsafe.Sizeof(TaskSlot{})), MemoryAlignment)

	sm := &SharedMemory{
		Header:  (*SharedMemoryHeader)(base),
		Window:  unsafe.Slice((*TaskSlot)(unsafe.Add(base, headerSize)), windowCap),
		DepPool: unsafe.Slice((*depNode)(unsafe.Add(base, headerSize+windowBytes)), depPoolCap),
		buf:     buf,
	}

	h := sm.Header
	h.SubmittedCount.Store(0)
	h.LastTaskAlive.Store(0)
	h.OrchestratorDone.Store(0)
	h.WindowBasePtr = uint64(uintptr(unsafe.Add(base, headerSize)))
	h.DepPoolBasePtr = uint64(uintptr(unsafe.Add(base, headerSize+windowBytes)))
	h.TaskWindowSize = int32(windowCap)
	h.DepListPoolSize = int32(depPoolCap)

	for i := range sm.Window {
		sm.Window[i].setStatus(TaskEmpty)
		sm.Window[i].SuccessorHead.Store(nilOffset)
	}
	for i := range sm.DepPool {
		sm.DepPool[i].Next = nilOffset
	}
	return sm
}

// NewSharedMemory allocates a fresh shared region with the given
// capacities.
func NewSharedMemory(windowCap, depPoolCap int) *SharedMemory {
	buf := alignedBytes(SMCalculateSize(windowCap, depPoolCap), MemoryAlignment)
	return NewSharedMemoryFromBuffer(buf, windowCap, depPoolCap)
}

// WindowCap returns the task window capacity.
func (sm *SharedMemory) WindowCap() int {
	return len(sm.Window)
}

// Slot returns the window slot for a task id.
func (sm *SharedMemory) Slot(taskID int32) *TaskSlot {
	return &sm.Window[int(taskID)&(len(sm.Window)-1)]
}

// alignedBytes allocates n bytes whose first byte is aligned to align.
func alignedBytes(n, align int) []byte {
	raw := make([]byte, n+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+n : off+n]
}
