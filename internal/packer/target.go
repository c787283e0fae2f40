package packer

import (
	"fmt"
	"path/filepath"
	"strconv"
	"unicode"
)

// Target is where the image is written to: either a Device or a
// LoopBackedFile.
type Target interface {
	// PartitionPath returns the device node of partition n (1-based).
	PartitionPath(n int) string

	fmt.Stringer

	isTarget()
}

// Device is a block device such as an SD card, which is partitioned and
// written in place.
type Device struct {
	Path string
}

func (d Device) PartitionPath(n int) string {
	return partitionPath(d.Path, strconv.Itoa(n))
}

func (d Device) String() string { return "device " + d.Path }

func (Device) isTarget() {}

// LoopBackedFile is an image file attached to a loop device, whose
// partitions are mapped by kpartx(8).
type LoopBackedFile struct {
	FilePath  string // final path of the image
	LoopPath  string // e.g. /dev/loop7
	MapperDir string // e.g. /dev/mapper
}

func (l LoopBackedFile) PartitionPath(n int) string {
	return filepath.Join(l.MapperDir, fmt.Sprintf("%sp%d", filepath.Base(l.LoopPath), n))
}

func (l LoopBackedFile) String() string {
	return fmt.Sprintf("image %s (via %s)", l.FilePath, l.LoopPath)
}

func (LoopBackedFile) isTarget() {}

// partitionPath names partition num of the Linux block device base, which
// must not be a symlink.
func partitionPath(base, num string) string {
	// mmcblk0, loop0, nvme0n1: a "p" separates the partition number
	if last := rune(base[len(base)-1]); unicode.IsDigit(last) {
		return base + "p" + num
	}
	return base + num
}
