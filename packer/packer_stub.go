//go:build !linux

package packer

import (
	"fmt"
	"os"
	"runtime"
)

func DeviceSize(o *os.File) (uint64, error) {
	return 0, fmt.Errorf("rvboot is currently missing code for getting device sizes on %s", runtime.GOOS)
}

func RereadPartitions(o *os.File) error {
	return fmt.Errorf("rvboot is currently missing code for re-reading partition tables on %s", runtime.GOOS)
}
