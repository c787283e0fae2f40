package packer

import (
	"errors"
	"fmt"
	"math"
)

const (
	// BlockSize is the size of one sector. Payload sizes and partition
	// extents are expressed in multiples of it.
	BlockSize = 512

	// FirstUsableSector follows the protective MBR (LBA 0), the primary GPT
	// header (LBA 1) and 128 partition entries of 128 bytes (LBA 2-33).
	FirstUsableSector = 34

	// BackupGPTSectors at the end of the disk hold the backup partition
	// entries and the backup GPT header.
	BackupGPTSectors = 33

	// maxSectors keeps byte offsets within an int64.
	maxSectors = math.MaxInt64 / BlockSize

	// RestOfDevice is the Length of the filesystem partition: it extends to
	// the last usable sector of whatever target the plan is applied to.
	RestOfDevice = -1

	// DefaultMinFilesystemBlocks is the filesystem partition size of image
	// files (200 MiB).
	DefaultMinFilesystemBlocks = 409600
)

const (
	PartitionTypeLinuxFilesystemData = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	// PartitionTypeOpenSBI is how firmware-aware bootloaders (e.g. the
	// SiFive zero-stage loader) locate the OpenSBI/U-Boot image.
	PartitionTypeOpenSBI = "2E54B353-1271-4842-806F-E436D6AF6985"
)

// Payload names, in the order they are placed on disk.
const (
	PayloadDeviceTree = "device_tree"
	PayloadFirmware   = "firmware"
	PayloadKernel     = "kernel"
)

// ErrInvalidSize is returned for negative payload sizes and for targets too
// small to hold a plan.
var ErrInvalidSize = errors.New("invalid size")

// Payload is one of the binary images placed outside of any file system.
type Payload struct {
	Name   string
	Blocks int64
}

// BlocksFor rounds a byte length up to whole blocks.
func BlocksFor(size int64) int64 {
	return (size + BlockSize - 1) / BlockSize
}

type PartitionSpec struct {
	Index    int // 1-based
	Name     string
	TypeGUID string
	Start    int64 // in sectors
	Length   int64 // in sectors, or RestOfDevice
}

// LayoutPlan is the immutable 4-partition layout derived from the payload
// sizes. The first three partitions are contiguous, the fourth one takes
// the remainder of the target.
type LayoutPlan struct {
	Partitions [4]PartitionSpec
}

// ComputeLayout places the device tree, the firmware and the kernel back to
// back starting at FirstUsableSector, followed by the filesystem partition.
//
// Zero sizes yield zero-length regions which keep all following offsets
// intact.
func ComputeLayout(dtbBlocks, fwBlocks, kernelBlocks int64) (LayoutPlan, error) {
	payloads := []Payload{
		{Name: PayloadDeviceTree, Blocks: dtbBlocks},
		{Name: PayloadFirmware, Blocks: fwBlocks},
		{Name: PayloadKernel, Blocks: kernelBlocks},
	}
	// Room for the filesystem's first sector and the backup GPT.
	avail := int64(maxSectors - FirstUsableSector - 1 - BackupGPTSectors)
	for _, p := range payloads {
		if p.Blocks < 0 {
			return LayoutPlan{}, fmt.Errorf("%w: %s has %d blocks", ErrInvalidSize, p.Name, p.Blocks)
		}
		if p.Blocks > avail {
			return LayoutPlan{}, fmt.Errorf("%w: %s has %d blocks, exceeding the addressable sectors", ErrInvalidSize, p.Name, p.Blocks)
		}
		avail -= p.Blocks
	}

	names := [...]string{"fdt", "opensbi", "kernel"}
	var plan LayoutPlan
	start := int64(FirstUsableSector)
	for i, p := range payloads {
		typ := PartitionTypeLinuxFilesystemData
		if p.Name == PayloadFirmware {
			typ = PartitionTypeOpenSBI
		}
		plan.Partitions[i] = PartitionSpec{
			Index:    i + 1,
			Name:     names[i],
			TypeGUID: typ,
			Start:    start,
			Length:   p.Blocks,
		}
		start += p.Blocks
	}
	plan.Partitions[3] = PartitionSpec{
		Index:    4,
		Name:     "filesystem",
		TypeGUID: PartitionTypeLinuxFilesystemData,
		Start:    start,
		Length:   RestOfDevice,
	}
	return plan, nil
}

// Payload returns the partition holding the named payload.
func (l LayoutPlan) Payload(name string) (PartitionSpec, bool) {
	switch name {
	case PayloadDeviceTree:
		return l.Partitions[0], true
	case PayloadFirmware:
		return l.Partitions[1], true
	case PayloadKernel:
		return l.Partitions[2], true
	}
	return PartitionSpec{}, false
}

func (l LayoutPlan) FilesystemStart() int64 {
	return l.Partitions[3].Start
}

// ImageSectors is the size of an image file whose filesystem partition
// holds exactly minFilesystemBlocks sectors.
func (l LayoutPlan) ImageSectors(minFilesystemBlocks int64) int64 {
	return l.FilesystemStart() + minFilesystemBlocks + BackupGPTSectors
}

// Extent is a resolved, inclusive sector range.
type Extent struct {
	First int64
	Last  int64
}

// Sectors returns the number of sectors in the extent.
func (e Extent) Sectors() int64 {
	return e.Last - e.First + 1
}

// Resolve turns the plan into concrete extents for a target of totalSectors.
func (l LayoutPlan) Resolve(totalSectors int64) ([4]Extent, error) {
	var extents [4]Extent
	lastUsable := totalSectors - BackupGPTSectors - 1
	for i, p := range l.Partitions {
		length := p.Length
		if length == RestOfDevice {
			length = lastUsable - p.Start + 1
			if length < 1 {
				return extents, fmt.Errorf("%w: target holds %d sectors, but the %s partition starts at sector %d", ErrInvalidSize, totalSectors, p.Name, p.Start)
			}
		}
		extents[i] = Extent{
			First: p.Start,
			Last:  p.Start + length - 1,
		}
	}
	return extents, nil
}
