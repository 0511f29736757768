package weft

// ParamType distinguishes inputs, outputs, in-place updates, and raw
// scalars in a task submission. It is a closed set of four tags.
type ParamType int32

const (
	// ParamInput is a read-only buffer parameter.
	ParamInput ParamType = iota
	// ParamOutput is a write-only buffer parameter. A zero address asks
	// the runtime to allocate from the heap and back-fill the descriptor.
	ParamOutput
	// ParamInOut reads then writes: consumer of prior producers and a
	// producer for downstream readers.
	ParamInOut
	// ParamScalar is a raw 64-bit value with no dependency tracking.
	ParamScalar
)

// Param describes one task parameter. Buffer parameters point at the
// caller's Tensor so that an OUTPUT allocation is visible to the caller
// without an explicit sync: the runtime writes the heap address straight
// back through the pointer.
type Param struct {
	Type   ParamType
	Tensor *Tensor
	Scalar uint64
}

// ScalarParam wraps a raw value (an encoded float, a size, a count).
func ScalarParam(value uint64) Param {
	return Param{Type: ParamScalar, Scalar: value}
}

// InputParam wraps a read-only tensor. The buffer must already have an
// address.
func InputParam(t *Tensor) Param {
	assertf(t.Buffer.Addr != 0, "INPUT param requires a non-zero buffer address")
	return Param{Type: ParamInput, Tensor: t}
}

// OutputParam wraps an output tensor. A zero address triggers heap
// allocation during SubmitTask.
func OutputParam(t *Tensor) Param {
	return Param{Type: ParamOutput, Tensor: t}
}

// InOutParam wraps a read-then-write tensor. The buffer must already
// have an address.
func InOutParam(t *Tensor) Param {
	assertf(t.Buffer.Addr != 0, "INOUT param requires a non-zero buffer address")
	return Param{Type: ParamInOut, Tensor: t}
}
