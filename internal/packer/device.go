package packer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rvboot/tools/packer"
)

// BlockDevices is the kernel's view of block devices.
type BlockDevices interface {
	// IsDevice reports whether path refers to an existing block device.
	IsDevice(path string) (bool, error)
	// Size returns the size of the device in bytes.
	Size(o *os.File) (uint64, error)
	// RereadPartitions makes the kernel pick up a new partition table.
	RereadPartitions(o *os.File) error
}

type kernelBlockDevices struct{}

func (kernelBlockDevices) IsDevice(path string) (bool, error) { return isDevice(path) }

func (kernelBlockDevices) Size(o *os.File) (uint64, error) { return packer.DeviceSize(o) }

func (kernelBlockDevices) RereadPartitions(o *os.File) error { return packer.RereadPartitions(o) }

// isDevice reports whether path refers to an existing block device. Paths
// below /dev must exist; everything else is treated as an image file.
func isDevice(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && strings.HasPrefix(filepath.Clean(path), "/dev/") {
			return false, fmt.Errorf("%w: target device %s does not exist; is the SD card plugged in?", ErrMissingInput, path)
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if st.Mode()&os.ModeDevice != 0 {
		return true, nil
	}
	if st.IsDir() {
		return false, fmt.Errorf("target %s is a directory", path)
	}
	return false, nil
}
