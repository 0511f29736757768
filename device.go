package weft

import (
	"runtime"
	"sync"
	"unsafe"
)

// Device models the accelerator from the runtime's point of view: global
// memory with {allocate, copy} plus a set of worker cores polling their
// handshake buffers. On this CPU-backed device the cores are goroutines
// and global memory is pool-managed host memory addressed by value.
type Device struct {
	memory     *MemoryPool
	handshakes []*Handshake
	wg         sync.WaitGroup
	closed     bool
}

// NewDevice starts a device with the given number of vector (AIV) and
// cube (AIC) worker cores.
func NewDevice(vectorCores, cubeCores int) *Device {
	assertf(vectorCores+cubeCores > 0, "device requires at least one worker core")
	d := &Device{memory: NewMemoryPool()}
	for i := 0; i < vectorCores; i++ {
		d.spawnCore(WorkerVector)
	}
	for i := 0; i < cubeCores; i++ {
		d.spawnCore(WorkerCube)
	}
	return d
}

func (d *Device) spawnCore(kind WorkerKind) {
	hs := &Handshake{kind: kind}
	d.handshakes = append(d.handshakes, hs)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		coreLoop(hs)
	}()
}

// coreLoop is one worker core: poll for a dispatch, run the kernel,
// report status, repeat until told to quit. The core leaves
// DispatcherReady set until the executor reaps the completion, so the
// handshake is never transiently idle mid-task.
func coreLoop(hs *Handshake) {
	for {
		if hs.Control.Load() == 1 {
			return
		}
		if hs.DispatcherReady.Load() == 1 && hs.CoreDone.Load() == 0 {
			payload := hs.Payload
			var status int32
			if fn := LookupKernel(payload.KernelID); fn != nil {
				status = fn(payload.Args[:payload.NumArgs])
			} else {
				status = -1
			}
			hs.TaskStatus.Store(status)
			hs.CoreDone.Store(1)
			continue
		}
		runtime.Gosched()
	}
}

// Handshakes returns the device's worker core handshakes for wiring into
// an Executor.
func (d *Device) Handshakes() []*Handshake {
	return d.handshakes
}

// Alloc allocates device global memory and returns its address.
func (d *Device) Alloc(size int) (uint64, error) {
	return d.memory.Allocate(size)
}

// MustAlloc allocates or dies; convenience for orchestration programs.
func (d *Device) MustAlloc(size int) uint64 {
	addr, err := d.memory.Allocate(size)
	if err != nil {
		fatalf("device allocation of %d bytes failed: %v", size, err)
	}
	return addr
}

// Free releases device memory back to the pool.
func (d *Device) Free(addr uint64) error {
	return d.memory.Free(addr)
}

// CopyIn writes host float32 data into device memory at addr.
func (d *Device) CopyIn(addr uint64, data []float32) {
	copy(Float32Slice(addr, len(data)), data)
}

// CopyOut reads device memory at addr into a host float32 slice.
func (d *Device) CopyOut(dst []float32, addr uint64) {
	copy(dst, Float32Slice(addr, len(dst)))
}

// Close tells every core to quit and waits for them.
func (d *Device) Close() {
	if d.closed {
		return
	}
	d.closed = true
	for _, hs := range d.handshakes {
		hs.Control.Store(1)
	}
	d.wg.Wait()
}

// MemoryPool manages device global memory with reuse. It keeps a free
// list of released blocks so repeated allocations of similar sizes do
// not grow the footprint.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uint64]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	buf  []byte // keeps the block alive while addressed by value
	addr uint64
	size int
	used bool
}

// NewMemoryPool creates an empty pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{allocated: make(map[uint64]*allocation)}
}

// Allocate returns the address of size bytes of zeroed, cache-line
// aligned device memory.
func (mp *MemoryPool) Allocate(size int) (uint64, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	alignedSize := alignUp(size, MemoryAlignment)

	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			for j := range alloc.buf {
				alloc.buf[j] = 0
			}
			mp.totalAlloc += int64(alloc.size)
			if mp.totalAlloc > mp.peakAlloc {
				mp.peakAlloc = mp.totalAlloc
			}
			return alloc.addr, nil
		}
	}

	buf := alignedBytes(alignedSize, MemoryAlignment)
	alloc := &allocation{
		buf:  buf,
		addr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		size: alignedSize,
		used: true,
	}
	mp.allocated[alloc.addr] = alloc

	mp.totalAlloc += int64(alignedSize)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
	return alloc.addr, nil
}

// Free returns a block to the pool.
func (mp *MemoryPool) Free(addr uint64) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[addr]
	if !ok {
		return NewMemoryError("Free", "address not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}
	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)
	return nil
}

// Stats returns current and peak allocated bytes.
func (mp *MemoryPool) Stats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}
