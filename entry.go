package weft

import (
	"github.com/pkg/errors"
)

// OrchestrationFunc is a device-side orchestration program: it submits
// the task graph through the runtime, reading its inputs from the host-
// provided argument words.
type OrchestrationFunc func(rt *Runtime, args []uint64)

// EntryConfig is reported to the host before entry so it can validate
// the argument vector it is about to pass.
type EntryConfig struct {
	ExpectedArgCount int
}

// OrchestrationConfig returns the entry configuration for an argument
// vector carrying userArgs words plus the two trailing heap words.
func OrchestrationConfig(userArgs int) EntryConfig {
	return EntryConfig{ExpectedArgCount: userArgs + 2}
}

// OrchestrationEntry is the device-side entry point. The host passes the
// shared region and an argument vector whose final two words are the
// global-memory heap base and heap byte size; everything before them is
// program input (tensor addresses, sizes, scalars).
//
// The orchestration function runs to completion and orchestrator_done is
// set afterwards. A fatal assertion inside orchestration propagates as a
// panic without setting done, so the host observes a timeout — matching
// the failure contract.
func OrchestrationEntry(sm *SharedMemory, orch OrchestrationFunc, args []uint64) error {
	if sm == nil || orch == nil {
		return NewInvalidArgError("OrchestrationEntry", "nil shared memory or orchestration function")
	}
	if len(args) < 2 {
		sm.Header.OrchestratorDone.Store(1)
		return NewInvalidArgError("OrchestrationEntry", "argument vector missing heap words")
	}

	heapBase := args[len(args)-2]
	heapSize := args[len(args)-1]
	if heapBase == 0 || heapSize == 0 {
		sm.Header.OrchestratorDone.Store(1)
		return errors.Errorf("invalid heap region: base=%#x size=%d", heapBase, heapSize)
	}

	rt := NewRuntime(sm, heapBase, heapSize)
	orch(rt, args[:len(args)-2])
	rt.OrchestrationDone()
	return nil
}
