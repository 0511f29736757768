// Command weft-example runs the diamond-DAG orchestration demo: the
// formula (a+b+1)*(a+b+2) over a float32 vector, with the intermediate
// buffers allocated on the device heap and dependencies inferred from
// tensor overlap.
//
//	t0: c = a + b
//	t1: d = c + 1
//	t2: e = c + 2
//	t3: f = d * e
//
// With a=2 and b=3 every output element is (5+1)*(5+2) = 42.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/torvane/weft"
)

func main() {
	size := flag.Int("size", 16384, "element count per vector")
	vectorCores := flag.Int("vector-cores", 2, "number of vector worker cores")
	verbose := flag.Bool("v", false, "log runtime diagnostics")
	flag.Parse()

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			os.Exit(1)
		}
		weft.SetDeviceLog(logger)
	}

	weft.RegisterBuiltinKernels()

	dev := weft.NewDevice(*vectorCores, 0)
	defer dev.Close()
	fmt.Println(weft.CoreInfo())

	n := *size
	bytes := n * 4
	devA := dev.MustAlloc(bytes)
	devB := dev.MustAlloc(bytes)
	devF := dev.MustAlloc(bytes)

	hostA := make([]float32, n)
	hostB := make([]float32, n)
	for i := range hostA {
		hostA[i] = 2
		hostB[i] = 3
	}
	dev.CopyIn(devA, hostA)
	dev.CopyIn(devB, hostB)

	gmHeap := dev.MustAlloc(weft.DefaultHeapSize)

	sm := weft.NewSharedMemory(weft.DefaultTaskWindowSize, weft.DefaultDepListPoolSize)
	exec := weft.NewExecutor(sm, dev.Handshakes())
	exec.Start()

	args := []uint64{
		devA, devB, devF,
		uint64(bytes), uint64(bytes), uint64(bytes),
		uint64(n),
		gmHeap, uint64(weft.DefaultHeapSize),
	}
	if err := weft.OrchestrationEntry(sm, orchestrate, args); err != nil {
		fmt.Fprintln(os.Stderr, "orchestration:", err)
		os.Exit(1)
	}
	exec.Wait()

	hostF := make([]float32, n)
	dev.CopyOut(hostF, devF)
	for i, v := range hostF {
		if v != 42 {
			fmt.Fprintf(os.Stderr, "FAIL: f[%d] = %v, want 42\n", i, v)
			os.Exit(1)
		}
	}
	fmt.Printf("PASS: %d elements, all 42\n", n)
}

// orchestrate submits the diamond DAG. args carry the three external
// buffers, their sizes, and the element count, in host order.
func orchestrate(rt *weft.Runtime, args []uint64) {
	devA, devB, devF := args[0], args[1], args[2]
	sizeA, sizeB, sizeF := args[3], args[4], args[5]
	n := args[6]

	a := weft.MakeTensorExternal(devA, sizeA, weft.Float32, 0)
	b := weft.MakeTensorExternal(devB, sizeB, weft.Float32, 0)
	f := weft.MakeTensorExternal(devF, sizeF, weft.Float32, 0)
	c := weft.MakeTensor(sizeA, weft.Float32, 0)
	d := weft.MakeTensor(sizeA, weft.Float32, 0)
	e := weft.MakeTensor(sizeA, weft.Float32, 0)

	rt.Scope(func() {
		rt.SubmitTask(weft.FuncAdd, weft.WorkerVector, "kernel_add",
			weft.InputParam(&a), weft.InputParam(&b), weft.OutputParam(&c), weft.ScalarParam(n))
		rt.SubmitTask(weft.FuncAddScalar, weft.WorkerVector, "kernel_add_scalar",
			weft.InputParam(&c), weft.ScalarParam(weft.Float32Bits(1)), weft.OutputParam(&d), weft.ScalarParam(n))
		rt.SubmitTask(weft.FuncAddScalar, weft.WorkerVector, "kernel_add_scalar",
			weft.InputParam(&c), weft.ScalarParam(weft.Float32Bits(2)), weft.OutputParam(&e), weft.ScalarParam(n))
		rt.SubmitTask(weft.FuncMul, weft.WorkerVector, "kernel_mul",
			weft.InputParam(&d), weft.InputParam(&e), weft.OutputParam(&f), weft.ScalarParam(n))
	})
	rt.SetGraphOutput(devF, sizeF)
}
