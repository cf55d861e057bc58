//go:build windows

package supervisor

import "golang.org/x/sys/windows"

const (
	esContinuous     = 0x80000000
	esSystemRequired = 0x00000001
)

var (
	kernel32                    = windows.NewLazySystemDLL("kernel32.dll")
	procSetThreadExecutionState = kernel32.NewProc("SetThreadExecutionState")
)

// preventSleep keeps the system awake while jobs run. ES_DISPLAY_REQUIRED
// is deliberately omitted so the display may still turn off.
func preventSleep() {
	procSetThreadExecutionState.Call(uintptr(esContinuous | esSystemRequired))
}

func allowSleep() {
	procSetThreadExecutionState.Call(uintptr(esContinuous))
}
