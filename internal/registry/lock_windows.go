//go:build windows

package registry

import (
	"golang.org/x/sys/windows"
)

// isProcessRunning tries to open a handle to pid.
func isProcessRunning(pid int) (bool, string) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "process not found"
	}
	windows.CloseHandle(handle)
	return true, ""
}
