package weft

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Executor drains the task window: it claims Ready tasks, dispatches
// them to idle worker cores over their handshakes, reaps completions,
// satisfies successor dependencies, and advances last_task_alive over
// the Done prefix.
//
// The executor is single-threaded. It owns status transitions after
// publication (Ready→Running on claim, Running→Done on completion) and
// is the only writer of last_task_alive.
type Executor struct {
	sm         *SharedMemory
	handshakes []*Handshake

	wg       sync.WaitGroup
	failures int
}

// NewExecutor builds an executor over a shared region and the worker
// core handshakes it may dispatch to.
func NewExecutor(sm *SharedMemory, handshakes []*Handshake) *Executor {
	assertf(len(handshakes) > 0, "executor requires at least one worker core")
	return &Executor{sm: sm, handshakes: handshakes}
}

// Start runs the executor loop on its own goroutine.
func (ex *Executor) Start() {
	ex.wg.Add(1)
	go func() {
		defer ex.wg.Done()
		ex.Run()
	}()
}

// Wait blocks until a started executor loop returns.
func (ex *Executor) Wait() {
	ex.wg.Wait()
}

// Run polls until the orchestrator has finished submitting and every
// submitted task has retired. Worker failure leaves the failed task
// Running and its successors Pending forever; the loop then exits
// without draining and the host must treat the run as fatal.
func (ex *Executor) Run() {
	header := ex.sm.Header
	for {
		progress := false
		if ex.reapCompletions() {
			progress = true
		}
		if ex.dispatchReady() {
			progress = true
		}
		if ex.advanceFrontier() {
			progress = true
		}

		if header.OrchestratorDone.Load() == 1 &&
			header.LastTaskAlive.Load() == header.SubmittedCount.Load() {
			return
		}
		if ex.failures > 0 && !progress && !ex.anyInFlight() {
			devlog().Error("executor halting with failed tasks",
				zap.Int("failures", ex.failures))
			return
		}

		if !progress {
			runtime.Gosched()
		}
	}
}

// reapCompletions consumes every core that has signaled done, marks the
// task Done, satisfies successor edges, and frees the core.
func (ex *Executor) reapCompletions() bool {
	progress := false
	for _, hs := range ex.handshakes {
		if hs.CoreDone.Load() != 1 {
			continue
		}
		progress = true
		taskID := hs.Payload.TaskID
		status := hs.TaskStatus.Load()
		slot := ex.sm.Slot(taskID)

		if status != 0 {
			// No retry: the failed task stays Running so downstream
			// work never becomes Ready. The fault is surfaced and the
			// run deadlocks by design.
			ex.failures++
			devlog().Error("worker reported task failure",
				zap.Int32("task", taskID),
				zap.String("label", slot.LabelString()),
				zap.Int32("status", status))
		} else {
			slot.setStatus(TaskDone)
			ex.satisfySuccessors(slot)
		}

		hs.DispatcherReady.Store(0)
		hs.CoreDone.Store(0)
	}
	return progress
}

// satisfySuccessors claims each successor edge of a completed task and
// decrements the successor's pending count, promoting it when the count
// reaches zero. The per-edge claim arbitrates against dep-satisfy-on-
// submit racing on a predecessor that completes mid-link.
func (ex *Executor) satisfySuccessors(slot *TaskSlot) {
	for off := slot.SuccessorHead.Load(); off != nilOffset; {
		node := &ex.sm.DepPool[off]
		next := node.Next
		if node.claim() {
			succ := ex.sm.Slot(node.Successor)
			if succ.PendingPreds.Add(-1) == 0 {
				succ.casStatus(TaskPending, TaskReady)
			}
		}
		off = next
	}
}

// dispatchReady claims Ready slots in window order and hands them to
// idle cores of the matching kind.
func (ex *Executor) dispatchReady() bool {
	header := ex.sm.Header
	first := header.LastTaskAlive.Load()
	limit := header.SubmittedCount.Load()
	progress := false

	for taskID := first; taskID < limit; taskID++ {
		slot := ex.sm.Slot(taskID)
		if slot.Status() != TaskReady {
			continue
		}
		hs := ex.idleCore(slot.Worker)
		if hs == nil {
			continue
		}
		if !slot.casStatus(TaskReady, TaskRunning) {
			continue
		}

		hs.Payload = DispatchPayload{
			TaskID:          taskID,
			KernelID:        slot.FunctionID,
			Core:            slot.Worker.CoreType(),
			FunctionBinAddr: slot.KernelGMAddr,
			NumArgs:         slot.NumArgs,
		}
		copy(hs.Payload.Args[:], slot.Args[:slot.NumArgs])
		hs.TaskStatus.Store(0)
		// Publishing DispatcherReady releases the payload to the core.
		hs.DispatcherReady.Store(1)
		progress = true
	}
	return progress
}

// idleCore returns an idle handshake of the requested kind, or nil.
func (ex *Executor) idleCore(kind WorkerKind) *Handshake {
	for _, hs := range ex.handshakes {
		if hs.kind == kind && hs.idle() {
			return hs
		}
	}
	return nil
}

// advanceFrontier publishes the retirement of the uniformly-Done slot
// prefix.
func (ex *Executor) advanceFrontier() bool {
	header := ex.sm.Header
	frontier := header.LastTaskAlive.Load()
	limit := header.SubmittedCount.Load()
	advanced := false
	for frontier < limit && ex.sm.Slot(frontier).Status() == TaskDone {
		frontier++
		advanced = true
	}
	if advanced {
		header.LastTaskAlive.Store(frontier)
	}
	return advanced
}

// anyInFlight reports whether any core still holds a dispatch.
func (ex *Executor) anyInFlight() bool {
	for _, hs := range ex.handshakes {
		if !hs.idle() {
			return true
		}
	}
	return false
}
