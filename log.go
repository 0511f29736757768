package weft

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// The device-log channel. Diagnostics that on real hardware would go to
// the device log stream (watchdog trips, TensorMap statistics, fatal
// assertion reports) are emitted here. Defaults to a no-op logger so the
// runtime stays silent unless the host wires a sink.
var deviceLog atomic.Pointer[zap.Logger]

func init() {
	deviceLog.Store(zap.NewNop())
}

// SetDeviceLog installs the logger used for the device-log channel.
// Passing nil restores the no-op logger.
func SetDeviceLog(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	deviceLog.Store(l)
}

func devlog() *zap.Logger {
	return deviceLog.Load()
}

// assertf is the fatal-assertion primitive. Invariant violations are not
// recoverable: the condition text and location are written to the device
// log and the orchestration goroutine panics. The host observes a missing
// orchestrator_done and treats the run as failed.
func assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	devlog().Error("assertion failed", zap.String("condition", msg), zap.Stack("stack"))
	panic("weft: assertion failed: " + msg)
}

// fatalf reports an unconditional fatal runtime fault.
func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	devlog().Error("fatal runtime fault", zap.String("fault", msg), zap.Stack("stack"))
	panic("weft: " + msg)
}
