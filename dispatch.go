package weft

import (
	"sync/atomic"
)

// DispatchPayload carries the execution-relevant slice of a task slot to
// a worker core. The executor packs it from the slot; the core unpacks
// it to run the kernel.
type DispatchPayload struct {
	TaskID          int32
	KernelID        int32
	Core            CoreType
	FunctionBinAddr uint64
	NumArgs         int32
	Args            [MaxTaskArgs]uint64
}

// Handshake coordinates one worker core with the executor. The payload
// is written by the executor while the core is idle, then published with
// a release store of DispatcherReady; the core acknowledges completion
// with a release store of CoreDone after writing TaskStatus. Control set
// to 1 tells the core to quit its polling loop.
type Handshake struct {
	DispatcherReady atomic.Int32
	CoreDone        atomic.Int32
	TaskStatus      atomic.Int32
	Control         atomic.Int32
	Payload         DispatchPayload
	kind            WorkerKind
}

// Kind returns the worker kind this handshake serves.
func (h *Handshake) Kind() WorkerKind {
	return h.kind
}

// idle reports whether the executor may write a new payload: no dispatch
// pending and no unreaped completion.
func (h *Handshake) idle() bool {
	return h.DispatcherReady.Load() == 0 && h.CoreDone.Load() == 0
}
