// Package weft implements a device-side orchestration runtime for a
// heterogeneous accelerator with cube (matrix) and vector compute cores.
//
// A host-compiled orchestration program submits tasks one at a time,
// describing each parameter with a strided tensor descriptor. The runtime
// infers data dependencies from tensor overlap, allocates device memory
// for intermediate outputs from a scope-anchored bump heap, admits tasks
// into a bounded task window, and drives a handshake protocol with worker
// cores through an executor.
//
// The central structures are the Tensor descriptor with its three-way
// overlap classification (NoOverlap / Covered / Other) and the TensorMap,
// a hash index of recent producers backed by a ring-buffer entry pool with
// lazy invalidation. Together they derive a correct dependency graph from
// a stream of submissions at bounded memory, without stalling the
// orchestrator.
//
// Example usage:
//
//	dev := weft.NewDevice(2, 0)
//	defer dev.Close()
//
//	sm := weft.NewSharedMemory(weft.DefaultTaskWindowSize, weft.DefaultDepListPoolSize)
//	heap := dev.MustAlloc(weft.DefaultHeapSize)
//	rt := weft.NewRuntime(sm, heap, weft.DefaultHeapSize)
//
//	a := weft.MakeTensorExternal(devA, n*4, weft.Float32, 0)
//	c := weft.MakeTensor(n*4, weft.Float32, 0)
//	rt.SubmitTask(kernelAdd, weft.WorkerVector, "add",
//		weft.InputParam(&a), weft.InputParam(&b), weft.OutputParam(&c))
//	rt.OrchestrationDone()
package weft
