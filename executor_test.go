package weft

import (
	"testing"
	"time"
)

// runRig wires a device, shared region, executor and runtime together
// for end-to-end tests.
type runRig struct {
	dev *Device
	sm  *SharedMemory
	rt  *Runtime
	ex  *Executor
}

func newRunRig(t testing.TB, vectorCores, cubeCores, windowCap, depPoolCap int) *runRig {
	t.Helper()
	dev := NewDevice(vectorCores, cubeCores)
	t.Cleanup(dev.Close)

	sm := NewSharedMemory(windowCap, depPoolCap)
	heapBase := dev.MustAlloc(DefaultHeapSize)
	rt := NewRuntimeWithOptions(sm, heapBase, DefaultHeapSize, RuntimeOptions{
		TensorMapBuckets:  64,
		TensorMapPoolSize: 256,
	})
	ex := NewExecutor(sm, dev.Handshakes())
	ex.Start()
	return &runRig{dev: dev, sm: sm, rt: rt, ex: ex}
}

func (r *runRig) finish(t testing.TB) {
	t.Helper()
	r.rt.OrchestrationDone()
	done := make(chan struct{})
	go func() {
		r.ex.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("executor did not drain in time")
	}
}

func TestEndToEndDiamond(t *testing.T) {
	// (a+b+1)*(a+b+2) with a=2, b=3: every element of f must be 42.
	rig := newRunRig(t, 2, 0, 64, 256)

	const n = 16384
	bytes := uint64(n * 4)
	devA := rig.dev.MustAlloc(n * 4)
	devB := rig.dev.MustAlloc(n * 4)
	devF := rig.dev.MustAlloc(n * 4)

	hostA := make([]float32, n)
	hostB := make([]float32, n)
	for i := range hostA {
		hostA[i] = 2
		hostB[i] = 3
	}
	rig.dev.CopyIn(devA, hostA)
	rig.dev.CopyIn(devB, hostB)

	a := MakeTensorExternal(devA, bytes, Float32, 0)
	b := MakeTensorExternal(devB, bytes, Float32, 0)
	f := MakeTensorExternal(devF, bytes, Float32, 0)
	c := MakeTensor(bytes, Float32, 0)
	d := MakeTensor(bytes, Float32, 0)
	e := MakeTensor(bytes, Float32, 0)

	rig.rt.Scope(func() {
		rig.rt.SubmitTask(FuncAdd, WorkerVector, "kernel_add",
			InputParam(&a), InputParam(&b), OutputParam(&c), ScalarParam(n))
		rig.rt.SubmitTask(FuncAddScalar, WorkerVector, "kernel_add_scalar",
			InputParam(&c), ScalarParam(Float32Bits(1)), OutputParam(&d), ScalarParam(n))
		rig.rt.SubmitTask(FuncAddScalar, WorkerVector, "kernel_add_scalar",
			InputParam(&c), ScalarParam(Float32Bits(2)), OutputParam(&e), ScalarParam(n))
		rig.rt.SubmitTask(FuncMul, WorkerVector, "kernel_mul",
			InputParam(&d), InputParam(&e), OutputParam(&f), ScalarParam(n))
	})
	rig.finish(t)

	hostF := make([]float32, n)
	rig.dev.CopyOut(hostF, devF)
	for i, v := range hostF {
		if v != 42 {
			t.Fatalf("f[%d] = %v, want 42", i, v)
		}
	}

	// All four tasks retired.
	if got := rig.sm.Header.LastTaskAlive.Load(); got != 4 {
		t.Errorf("last_task_alive = %d, want 4", got)
	}
}

func TestWindowWrapRetirement(t *testing.T) {
	// Twice the window of independent tasks: the orchestrator must
	// recycle slots as the executor retires them, without faulting.
	const windowCap = 16
	rig := newRunRig(t, 2, 0, windowCap, 256)

	const total = 2 * windowCap
	outs := make([]Tensor, total)
	for i := range outs {
		outs[i] = MakeTensorHelper(rig.dev, 256)
		id := rig.rt.SubmitTask(testFuncNoop, WorkerVector, "independent", OutputParam(&outs[i]))
		if id != int32(i) {
			t.Fatalf("task id = %d, want %d", id, i)
		}

		// The window counters stay monotonic and ordered.
		submitted := rig.sm.Header.SubmittedCount.Load()
		alive := rig.sm.Header.LastTaskAlive.Load()
		if alive > submitted {
			t.Fatalf("last_task_alive %d > submitted_count %d", alive, submitted)
		}
	}
	rig.finish(t)

	if got := rig.sm.Header.LastTaskAlive.Load(); got != total {
		t.Errorf("last_task_alive = %d, want %d", got, total)
	}
	if got := rig.sm.Header.SubmittedCount.Load(); got != total {
		t.Errorf("submitted_count = %d, want %d", got, total)
	}
}

func TestChainedTasksRespectOrder(t *testing.T) {
	// A strict chain through one INOUT buffer must serialize: each task
	// adds 1 to every element.
	rig := newRunRig(t, 4, 0, 64, 256)

	const n = 1024
	const chain = 32
	devBuf := rig.dev.MustAlloc(n * 4)
	buf := MakeTensorExternal(devBuf, n*4, Float32, 0)

	inc := int32(110)
	RegisterKernel(inc, func(args []uint64) int32 {
		data := Float32Slice(args[0], int(args[1]))
		for i := range data {
			data[i]++
		}
		return 0
	})

	for i := 0; i < chain; i++ {
		rig.rt.SubmitTask(inc, WorkerVector, "inc", InOutParam(&buf), ScalarParam(n))
	}
	rig.finish(t)

	host := make([]float32, n)
	rig.dev.CopyOut(host, devBuf)
	for i, v := range host {
		if v != chain {
			t.Fatalf("buf[%d] = %v, want %d", i, v, chain)
		}
	}
}

func TestCubeAndVectorKinds(t *testing.T) {
	// Tasks are dispatched only to cores of their kind.
	rig := newRunRig(t, 1, 1, 64, 256)

	kindSeen := make(chan WorkerKind, 2)
	vecFn := int32(120)
	cubeFn := int32(121)
	RegisterKernel(vecFn, func(args []uint64) int32 {
		kindSeen <- WorkerVector
		return 0
	})
	RegisterKernel(cubeFn, func(args []uint64) int32 {
		kindSeen <- WorkerCube
		return 0
	})

	outV := MakeTensorHelper(rig.dev, 256)
	outC := MakeTensorHelper(rig.dev, 256)
	rig.rt.SubmitTask(vecFn, WorkerVector, "vec", OutputParam(&outV))
	rig.rt.SubmitTask(cubeFn, WorkerCube, "cube", OutputParam(&outC))
	rig.finish(t)

	got := map[WorkerKind]bool{}
	for i := 0; i < 2; i++ {
		got[<-kindSeen] = true
	}
	if !got[WorkerVector] || !got[WorkerCube] {
		t.Errorf("kinds seen = %v, want both vector and cube", got)
	}
}

func TestExecutorProgress(t *testing.T) {
	// A Ready task with an idle worker of its kind is dispatched
	// within bounded polling cycles.
	rig := newRunRig(t, 1, 0, 64, 256)

	ran := make(chan struct{})
	fn := int32(130)
	RegisterKernel(fn, func(args []uint64) int32 {
		close(ran)
		return 0
	})

	out := MakeTensorHelper(rig.dev, 256)
	rig.rt.SubmitTask(fn, WorkerVector, "progress", OutputParam(&out))

	select {
	case <-ran:
	case <-time.After(10 * time.Second):
		t.Fatal("ready task was not dispatched")
	}
	rig.finish(t)
}

func TestWorkerFailureStallsSuccessors(t *testing.T) {
	// A failed task is surfaced and never becomes Done; its dependents
	// stay Pending and the run does not retire past it.
	rig := newRunRig(t, 1, 0, 64, 256)

	devBuf := rig.dev.MustAlloc(1024)
	buf := MakeTensorExternal(devBuf, 1024, Float32, 0)

	bad := rig.rt.SubmitTask(testFuncFail, WorkerVector, "bad", OutputParam(&buf))
	sink := MakeTensorHelper(rig.dev, 1024)
	dep := rig.rt.SubmitTask(testFuncNoop, WorkerVector, "dep", InputParam(&buf), OutputParam(&sink))

	rig.rt.OrchestrationDone()
	done := make(chan struct{})
	go func() {
		rig.ex.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("executor did not halt after worker failure")
	}

	if st := rig.sm.Slot(bad).Status(); st == TaskDone {
		t.Error("failed task was marked Done")
	}
	if st := rig.sm.Slot(dep).Status(); st != TaskPending {
		t.Errorf("dependent status = %s, want Pending", st)
	}
	if got := rig.sm.Header.LastTaskAlive.Load(); got != 0 {
		t.Errorf("last_task_alive advanced to %d past a failed task", got)
	}
}

func TestSharedMemorySizing(t *testing.T) {
	size := SMCalculateSize(16, 64)
	if size <= 0 {
		t.Fatal("calculated size not positive")
	}
	buf := alignedBytes(size, MemoryAlignment)
	sm := NewSharedMemoryFromBuffer(buf, 16, 64)
	if sm.WindowCap() != 16 {
		t.Errorf("window cap = %d, want 16", sm.WindowCap())
	}
	if len(sm.DepPool) != 64 {
		t.Errorf("dep pool = %d, want 64", len(sm.DepPool))
	}
	if sm.Header.TaskWindowSize != 16 || sm.Header.DepListPoolSize != 64 {
		t.Error("header layout sizes not recorded")
	}
}

func TestOrchestrationEntryRunsProgram(t *testing.T) {
	dev := NewDevice(1, 0)
	t.Cleanup(dev.Close)

	sm := NewSharedMemory(64, 256)
	ex := NewExecutor(sm, dev.Handshakes())
	ex.Start()

	devOut := dev.MustAlloc(256)
	gmHeap := dev.MustAlloc(DefaultHeapSize)

	args := []uint64{devOut, 256, gmHeap, DefaultHeapSize}
	err := OrchestrationEntry(sm, func(rt *Runtime, userArgs []uint64) {
		out := MakeTensorExternal(userArgs[0], userArgs[1], Float32, 0)
		rt.SubmitTask(testFuncNoop, WorkerVector, "entry", OutputParam(&out))
		rt.SetGraphOutput(userArgs[0], userArgs[1])
	}, args)
	if err != nil {
		t.Fatalf("entry failed: %v", err)
	}
	ex.Wait()

	if sm.Header.OrchestratorDone.Load() != 1 {
		t.Error("orchestrator_done not set after entry")
	}
	if sm.Header.GraphOutputPtr != devOut {
		t.Error("graph output not recorded")
	}
}

func TestOrchestrationEntryRejectsBadArgs(t *testing.T) {
	sm := NewSharedMemory(16, 64)
	err := OrchestrationEntry(sm, func(rt *Runtime, args []uint64) {}, []uint64{0, 0})
	if err == nil {
		t.Fatal("zero heap region accepted")
	}
	if sm.Header.OrchestratorDone.Load() != 1 {
		t.Error("orchestrator_done not set on invalid input")
	}

	cfg := OrchestrationConfig(7)
	if cfg.ExpectedArgCount != 9 {
		t.Errorf("expected arg count = %d, want 9", cfg.ExpectedArgCount)
	}
}
