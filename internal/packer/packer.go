// Package packer writes rvboot images: it partitions a block device or an
// image file, places the device tree, firmware and kernel at their sectors
// and creates the file system. Called from rvb write.
package packer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go"
	"github.com/google/renameio/v2"
	"github.com/rvboot/tools/internal/config"
	"github.com/rvboot/tools/internal/measure"
	"github.com/rvboot/tools/packer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Pack represents one write of an image.
type Pack struct {
	Cfg *config.Struct

	Fs      afero.Fs // where payloads are read from
	Devices BlockDevices
	Runner  Runner
	Mounter Mounter

	Stdin  io.Reader // answers the confirmation prompt
	Stdout io.Writer
}

func NewPack(cfg *config.Struct, stdin io.Reader, stdout io.Writer) *Pack {
	return &Pack{
		Cfg:     cfg,
		Fs:      afero.NewOsFs(),
		Devices: kernelBlockDevices{},
		Runner:  execRunner{},
		Mounter: unixMounter{},
		Stdin:   stdin,
		Stdout:  stdout,
	}
}

// Run executes the whole write. Every step completes before the next one
// starts; attached resources are released on every exit path.
func (p *Pack) Run(ctx context.Context) error {
	if p.Cfg.Target == "" {
		return fmt.Errorf("%w: no target specified", ErrMissingInput)
	}
	payloads, err := FindPayloads(p.Fs, p.Cfg)
	if err != nil {
		return err
	}
	plan, err := PlanFor(payloads)
	if err != nil {
		return err
	}
	for _, pl := range payloads {
		spec, _ := plan.Payload(pl.Name)
		logrus.WithFields(logrus.Fields{
			"payload":   pl.Name,
			"partition": spec.Index,
			"sector":    spec.Start,
			"blocks":    spec.Length,
		}).Debug("planned")
	}

	device, err := p.Devices.IsDevice(p.Cfg.Target)
	if err != nil {
		return err
	}
	if device {
		// Partition nodes and mount sources are named after the device
		// itself, not after links such as /dev/disk/by-id/usb-….
		var dev string
		dev, err = filepath.EvalSymlinks(p.Cfg.Target)
		if err != nil {
			return err
		}
		if dev != p.Cfg.Target {
			logrus.WithField("target", p.Cfg.Target).Infof("resolved to %s", dev)
		}
		err = p.writeDevice(ctx, dev, plan, payloads)
	} else {
		err = p.writeFile(ctx, plan, payloads)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(p.Stdout, "\n")
	return PrintSummary(p.Stdout, p.Cfg.Target)
}

func (p *Pack) table(plan packer.LayoutPlan) packer.Table {
	seed := p.Cfg.Seed
	if seed == "" {
		seed = filepath.Base(p.Cfg.Target)
	}
	return packer.NewTable(plan, seed)
}

func (p *Pack) writeDevice(ctx context.Context, dev string, plan packer.LayoutPlan, payloads []PayloadFile) (err error) {
	if err := verifyNotMounted(p.Mounter, dev); err != nil {
		return err
	}
	if !p.Cfg.Yes {
		if err := confirm(p.Stdin, p.Stdout, describeDevice(dev)); err != nil {
			return err
		}
	}

	res := &resources{}
	defer func() {
		err = withCleanup(err, res.releaseAll())
	}()

	o, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%v; run as root or grant access with: sudo setfacl -m u:${USER}:rw %s", err, dev)
		}
		return err
	}
	res.push("device "+dev, o.Close)

	devsize, err := p.Devices.Size(o)
	if err != nil {
		return err
	}
	logrus.Infof("device holds %d bytes", devsize)
	if devsize == 0 {
		return fmt.Errorf("path %s does not seem to be a device", dev)
	}
	if fs := int64(devsize/packer.BlockSize) - packer.BackupGPTSectors - plan.FilesystemStart(); fs < p.Cfg.MinFilesystemBlocks {
		logrus.Warnf("file system partition will only hold %d blocks (minimum for images: %d)", fs, p.Cfg.MinFilesystemBlocks)
	}

	if err := p.partition(o, devsize, plan); err != nil {
		return err
	}

	if err := p.Devices.RereadPartitions(o); err != nil {
		logrus.Warnf("re-reading partition table failed: %v", err)
	}

	target := Device{Path: dev}
	if err := p.waitForPartitions(ctx, target); err != nil {
		return err
	}

	for _, pl := range payloads {
		spec, _ := plan.Payload(pl.Name)
		if err := p.copyToPartition(pl, target.PartitionPath(spec.Index)); err != nil {
			return err
		}
	}

	return p.createFilesystem(ctx, res, target.PartitionPath(4))
}

func (p *Pack) writeFile(ctx context.Context, plan packer.LayoutPlan, payloads []PayloadFile) (err error) {
	if _, err := os.Stat(p.Cfg.Target); err == nil && !p.Cfg.Yes {
		if err := confirm(p.Stdin, p.Stdout, "image "+p.Cfg.Target); err != nil {
			return err
		}
	}

	res := &resources{}
	committed := false
	defer func() {
		err = withCleanup(err, res.releaseAll())
	}()

	pf, err := renameio.NewPendingFile(p.Cfg.Target,
		renameio.WithTempDir(filepath.Dir(p.Cfg.Target)),
		renameio.WithPermissions(0644))
	if err != nil {
		return err
	}
	res.push("image "+pf.Name(), func() error {
		if committed {
			return pf.CloseAtomicallyReplace()
		}
		return pf.Cleanup()
	})

	devsize := uint64(plan.ImageSectors(p.Cfg.MinFilesystemBlocks) * packer.BlockSize)
	if err := pf.Truncate(int64(devsize)); err != nil {
		return err
	}
	logrus.WithField("target", p.Cfg.Target).Infof("image holds %d bytes", devsize)

	if err := p.partition(pf.File, devsize, plan); err != nil {
		return err
	}

	out, err := p.Runner.Run(ctx, "losetup", "--find", "--show", pf.Name())
	if err != nil {
		return err
	}
	target := LoopBackedFile{
		FilePath:  p.Cfg.Target,
		LoopPath:  strings.TrimSpace(string(out)),
		MapperDir: p.Cfg.MapperDir,
	}
	if target.LoopPath == "" {
		return fmt.Errorf("losetup did not print a loop device for %s", pf.Name())
	}
	res.push("loop device "+target.LoopPath, func() error {
		_, err := p.Runner.Run(context.Background(), "losetup", "--detach", target.LoopPath)
		return err
	})

	if _, err := p.Runner.Run(ctx, "kpartx", "-av", target.LoopPath); err != nil {
		return err
	}
	res.push("partition mappings of "+target.LoopPath, func() error {
		_, err := p.Runner.Run(context.Background(), "kpartx", "-d", target.LoopPath)
		return err
	})

	if err := p.waitForPartitions(ctx, target); err != nil {
		return err
	}

	for _, pl := range payloads {
		spec, _ := plan.Payload(pl.Name)
		if err := p.copyToOffset(pl, pf.File, spec.Start); err != nil {
			return err
		}
	}

	if err := p.createFilesystem(ctx, res, target.PartitionPath(4)); err != nil {
		return err
	}

	committed = true
	return nil
}

// partition clears stale metadata (optionally the whole target) and writes
// the new partition table.
func (p *Pack) partition(o *os.File, devsize uint64, plan packer.LayoutPlan) error {
	if p.Cfg.Wipe {
		if err := p.wipe(o, devsize); err != nil {
			return err
		}
	}
	if err := packer.ClearHeaders(o, devsize); err != nil {
		return err
	}
	done := measure.Interactively(p.Stdout, "writing GPT")
	table := p.table(plan)
	if err := table.Partition(o, devsize); err != nil {
		done("")
		return err
	}
	err := o.Sync()
	done("")
	return err
}

// waitForPartitions polls until all four partition device nodes exist. The
// kernel (or udev, or kpartx) creates them asynchronously.
func (p *Pack) waitForPartitions(ctx context.Context, target Target) error {
	err := retry.Do(
		func() error {
			for n := 1; n <= 4; n++ {
				if _, err := os.Stat(target.PartitionPath(n)); err != nil {
					return err
				}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.Cfg.PollAttempts),
		retry.Delay(p.Cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logrus.Debugf("partitions of %s not yet present (attempt %d): %v", target, n+1, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrDeviceEnumerationTimeout, target, p.Cfg.PollAttempts, err)
	}
	return nil
}
