//go:build darwin || freebsd || linux || netbsd

package bind

import "github.com/ebitengine/purego"

// sysInvoke trampolines through purego's syscall path.  Arguments travel in
// integer registers; the supported vendor ABIs pass floats only behind
// pointers, so no float-register handling is needed here.
func sysInvoke(addr uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(addr, args...)
	return r1
}
