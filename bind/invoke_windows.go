//go:build windows

package bind

import "syscall"

// sysInvoke trampolines through the runtime's stdcall path.  The 64-bit
// vendor DLLs all use the single x64 calling convention, so no per-function
// convention selection is needed.
func sysInvoke(addr uintptr, args ...uintptr) uintptr {
	r1, _, _ := syscall.SyscallN(addr, args...)
	return r1
}
