package weft

import (
	"golang.org/x/sys/cpu"
)

// CoreFeatures tracks the SIMD instruction sets available to the
// CPU-backed worker cores. Reported through device diagnostics so runs
// on different hosts are comparable.
type CoreFeatures struct {
	HasAVX     bool
	HasAVX2    bool
	HasAVX512F bool
	HasFMA     bool
	HasSSE4    bool
}

var coreFeatures CoreFeatures

func init() {
	detectCoreFeatures()
}

func detectCoreFeatures() {
	coreFeatures = CoreFeatures{
		HasSSE4:    cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX:     cpu.X86.HasAVX,
		HasAVX2:    cpu.X86.HasAVX2,
		HasAVX512F: cpu.X86.HasAVX512F,
		HasFMA:     cpu.X86.HasFMA,
	}
}

// VectorLanes returns the float32 lane count of the widest vector unit
// the worker cores can use.
func VectorLanes() int {
	switch {
	case coreFeatures.HasAVX512F:
		return 16
	case coreFeatures.HasAVX2, coreFeatures.HasAVX:
		return 8
	case coreFeatures.HasSSE4:
		return 4
	default:
		return 1
	}
}

// CoreInfo returns a string describing the worker cores' SIMD features.
func CoreInfo() string {
	features := []string{}
	if coreFeatures.HasSSE4 {
		features = append(features, "SSE4")
	}
	if coreFeatures.HasAVX {
		features = append(features, "AVX")
	}
	if coreFeatures.HasAVX2 {
		features = append(features, "AVX2")
	}
	if coreFeatures.HasFMA {
		features = append(features, "FMA")
	}
	if coreFeatures.HasAVX512F {
		features = append(features, "AVX512F")
	}

	if len(features) == 0 {
		return "no SIMD extensions detected"
	}
	result := "worker core features: "
	for i, f := range features {
		if i > 0 {
			result += ", "
		}
		result += f
	}
	return result
}
