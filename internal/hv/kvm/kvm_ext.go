//go:build linux

package kvm

import (
	"golang.org/x/sys/unix"
)

const (
	kvmCapIrqRouting = 25
)

// checkExtension reports whether the host KVM module supports the given
// KVM_CAP_* extension.
func checkExtension(systemFd int, cap int) (bool, error) {
	ret, _, err := unix.Syscall(unix.SYS_IOCTL, uintptr(systemFd), uintptr(kvmCheckExtension), uintptr(cap))
	if err != 0 {
		return false, err
	}

	return ret != 0, nil
}
