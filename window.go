package weft

import (
	"sync/atomic"
)

// TaskStatus is the lifecycle state of a task slot. Transitions are
// exactly Empty → Pending → Ready → Running → Done → Empty.
type TaskStatus int32

const (
	TaskEmpty TaskStatus = iota
	TaskPending
	TaskReady
	TaskRunning
	TaskDone
)

// String returns the task status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskEmpty:
		return "Empty"
	case TaskPending:
		return "Pending"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskDone:
		return "Done"
	default:
		return "unknown"
	}
}

// WorkerKind selects the class of compute core a task runs on.
type WorkerKind int32

const (
	// WorkerVector runs on vector (AIV) cores.
	WorkerVector WorkerKind = iota
	// WorkerCube runs on cube/matrix (AIC) cores.
	WorkerCube
)

// CoreType mirrors WorkerKind in the dispatch payload.
type CoreType int32

const (
	CoreAIV CoreType = iota
	CoreAIC
)

// CoreType returns the dispatch core type for a worker kind.
func (k WorkerKind) CoreType() CoreType {
	if k == WorkerCube {
		return CoreAIC
	}
	return CoreAIV
}

// nilOffset terminates index-linked chains in the dep pool and TensorMap.
const nilOffset = int32(-1)

// TaskSlot is one entry of the task window ring. The slot is written
// exclusively by the orchestrator until its status becomes Pending and
// submitted_count is published; thereafter status transitions belong to
// the executor (and to dep-satisfy-on-submit for already-Done
// predecessors, arbitrated through the per-edge claim in the dep pool).
type TaskSlot struct {
	FunctionID   int32
	Worker       WorkerKind
	NumArgs      int32
	Args         [MaxTaskArgs]uint64
	Label        [MaxLabelLen]byte
	PendingPreds atomic.Int32
	// SuccessorHead is the offset of this task's first successor edge in
	// the dep pool. Written by the orchestrator, read by the executor on
	// completion.
	SuccessorHead atomic.Int32
	status        atomic.Int32
	KernelGMAddr  uint64
}

// Status returns the slot's current lifecycle state.
func (s *TaskSlot) Status() TaskStatus {
	return TaskStatus(s.status.Load())
}

func (s *TaskSlot) setStatus(st TaskStatus) {
	s.status.Store(int32(st))
}

func (s *TaskSlot) casStatus(from, to TaskStatus) bool {
	return s.status.CompareAndSwap(int32(from), int32(to))
}

// SetLabel stores a diagnostic label, truncated to the slot capacity.
func (s *TaskSlot) SetLabel(label string) {
	n := copy(s.Label[:], label)
	for i := n; i < len(s.Label); i++ {
		s.Label[i] = 0
	}
}

// LabelString returns the stored label.
func (s *TaskSlot) LabelString() string {
	for i, b := range s.Label {
		if b == 0 {
			return string(s.Label[:i])
		}
	}
	return string(s.Label[:])
}

// depNode is one successor edge in the shared dep-list pool. Edges are
// prepended to a predecessor's chain at submit time and reclaimed when
// the predecessor's slot retires.
type depNode struct {
	Successor int32
	Next      int32
	// claimed arbitrates the one pending_preds decrement per edge between
	// the executor's completion walk and dep-satisfy-on-submit.
	claimed atomic.Int32
}

func (n *depNode) claim() bool {
	return n.claimed.CompareAndSwap(0, 1)
}

// depPool allocates successor edges bump-style with reuse through a free
// list refilled on task retirement. Allocation and reclamation are
// orchestrator-private; the executor only reads nodes and claims edges.
type depPool struct {
	nodes    []depNode
	freeHead int32
	fresh    int32
}

func newDepPool(nodes []depNode) *depPool {
	assertf(len(nodes) > 0, "dep pool must be non-empty")
	return &depPool{nodes: nodes, freeHead: nilOffset}
}

// alloc returns the offset of a free node, or nilOffset when exhausted.
func (p *depPool) alloc() int32 {
	if p.freeHead != nilOffset {
		off := p.freeHead
		p.freeHead = p.nodes[off].Next
		p.nodes[off].claimed.Store(0)
		return off
	}
	if int(p.fresh) < len(p.nodes) {
		off := p.fresh
		p.fresh++
		p.nodes[off].claimed.Store(0)
		return off
	}
	return nilOffset
}

// freeChain returns every node of a successor chain to the free list.
func (p *depPool) freeChain(head int32) {
	for head != nilOffset {
		next := p.nodes[head].Next
		p.nodes[head].Next = p.freeHead
		p.freeHead = head
		head = next
	}
}

func (p *depPool) node(off int32) *depNode {
	return &p.nodes[off]
}
