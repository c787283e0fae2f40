package packer

import (
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Mounter mounts the freshly created file system for verification, and lists
// the mounts which must not be overwritten.
type Mounter interface {
	Mount(source, target, fstype string) error
	Unmount(target string) error
	Mounted(path string) (bool, error)
	Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

type unixMounter struct{}

func (unixMounter) Mount(source, target, fstype string) error {
	return unix.Mount(source, target, fstype, 0, "")
}

func (unixMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

func (unixMounter) Mounted(path string) (bool, error) {
	return mountinfo.Mounted(path)
}

func (unixMounter) Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(filter)
}

// onDevice reports whether source is dev itself or one of its partitions.
// /dev/sdab1 and /dev/mmcblk0boot0 are not partitions of /dev/sda and
// /dev/mmcblk0.
func onDevice(source, dev string) bool {
	if source == dev {
		return true
	}
	prefix := partitionPath(dev, "")
	num := strings.TrimPrefix(source, prefix)
	if num == source || num == "" {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// verifyNotMounted refuses to overwrite a device with mounted partitions. dev
// must be resolved already, mount sources never are symlinks.
func verifyNotMounted(m Mounter, dev string) error {
	mounts, err := m.Mounts(func(info *mountinfo.Info) (skip, stop bool) {
		return !onDevice(info.Source, dev), false
	})
	if err != nil {
		return err
	}
	if len(mounts) > 0 {
		return fmt.Errorf("partition %s of device %s is mounted on %s", mounts[0].Source, dev, mounts[0].Mountpoint)
	}
	return nil
}
