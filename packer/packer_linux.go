package packer

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DeviceSize returns the size of the block device o in bytes.
func DeviceSize(o *os.File) (uint64, error) {
	var devsize uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, o.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&devsize))); errno != 0 {
		return 0, errno
	}
	return devsize, nil
}

// RereadPartitions makes Linux re-read the partition table of o. Sequence of
// system calls like in fdisk(8).
func RereadPartitions(o *os.File) error {
	unix.Sync()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, o.Fd(), unix.BLKRRPART, 0); errno != 0 {
		return errno
	}

	if err := o.Sync(); err != nil {
		return err
	}

	unix.Sync()
	return nil
}
