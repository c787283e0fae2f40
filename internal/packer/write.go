package packer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rvboot/tools/internal/measure"
	"github.com/rvboot/tools/packer"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sys/unix"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// wipe overwrites the entire target with zeros.
func (p *Pack) wipe(o *os.File, devsize uint64) error {
	if _, err := o.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return p.withProgress("wiping "+o.Name(), devsize, o, func(w io.Writer) error {
		buf := make([]byte, 4*1024*1024)
		_, err := io.CopyBuffer(w, io.LimitReader(zeroReader{}, int64(devsize)), buf)
		if err != nil {
			return err
		}
		return o.Sync()
	})
}

// withProgress runs fn with a writer to dest which drives a progress bar, and
// prints the transfer rate afterwards.
func (p *Pack) withProgress(status string, total uint64, dest io.Writer, fn func(w io.Writer) error) error {
	prog := mpb.New(
		mpb.WithOutput(p.Stdout),
		mpb.WithWidth(40),
		mpb.WithAutoRefresh())
	bar := prog.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name(status+" ")),
		mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")))

	start := time.Now()
	err := fn(bar.ProxyWriter(dest))
	if !bar.Completed() {
		bar.Abort(false)
	}
	prog.Wait()
	if err != nil {
		return fmt.Errorf("%s: %w", status, err)
	}
	duration := time.Since(start)
	transferred := uint64(bar.Current())
	fmt.Fprintf(p.Stdout, "%s: %s at %.2f MiB/s (total: %v)\n",
		status,
		humanize.IBytes(transferred),
		float64(transferred)/duration.Seconds()/1024/1024,
		duration.Round(time.Millisecond))
	return nil
}

func (p *Pack) copyPayload(pl PayloadFile, w io.Writer) error {
	src, err := p.Fs.Open(pl.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	defer src.Close()
	n, err := io.Copy(w, src)
	if err != nil {
		return err
	}
	if n != pl.Size {
		return fmt.Errorf("%s changed while copying: copied %d bytes, expected %d", pl.Path, n, pl.Size)
	}
	return nil
}

// copyToPartition writes a payload to the start of a partition device node.
func (p *Pack) copyToPartition(pl PayloadFile, partition string) error {
	logrus.WithFields(logrus.Fields{
		"payload":   pl.Name,
		"partition": partition,
	}).Info("copying")
	o, err := os.OpenFile(partition, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer o.Close()
	err = p.withProgress("copying "+pl.Name+" to "+partition, uint64(pl.Size), o, func(w io.Writer) error {
		if err := p.copyPayload(pl, w); err != nil {
			return err
		}
		return o.Sync()
	})
	if err != nil {
		return err
	}
	return o.Close()
}

// copyToOffset writes a payload into the backing file of an image, at the
// absolute position of its partition. Partition mappings are not used for
// this, as they do not reliably support sector-accurate raw writes.
func (p *Pack) copyToOffset(pl PayloadFile, f *os.File, sector int64) error {
	logrus.WithFields(logrus.Fields{
		"payload": pl.Name,
		"sector":  sector,
	}).Info("copying")
	if _, err := f.Seek(sector*packer.BlockSize, io.SeekStart); err != nil {
		return err
	}
	status := fmt.Sprintf("copying %s to sector %d", pl.Name, sector)
	return p.withProgress(status, uint64(pl.Size), f, func(w io.Writer) error {
		if err := p.copyPayload(pl, w); err != nil {
			return err
		}
		return f.Sync()
	})
}

// createFilesystem formats, verifies and test-mounts the file system
// partition. The mount and the scratch directory are released again before
// returning; on failure, the caller's deferred release takes care of them.
func (p *Pack) createFilesystem(ctx context.Context, res *resources, partition string) error {
	done := measure.Interactively(p.Stdout, "creating file system")
	// Lazy initialization would leave the kernel zeroing inode tables in the
	// background on first boot.
	if _, err := p.Runner.Run(ctx, "mkfs.ext4", "-F", "-q",
		"-L", p.Cfg.Label,
		"-E", "lazy_itable_init=0,lazy_journal_init=0",
		partition); err != nil {
		done("")
		return err
	}
	done("")

	if _, err := p.Runner.Run(ctx, "e2fsck", "-f", "-n", partition); err != nil {
		return fmt.Errorf("verifying file system: %w", err)
	}

	dir, err := os.MkdirTemp("", "rvb-mnt-")
	if err != nil {
		return err
	}
	res.push("scratch directory "+dir, func() error { return os.Remove(dir) })

	if err := p.Mounter.Mount(partition, dir, "ext4"); err != nil {
		return fmt.Errorf("mounting %s on %s: %w", partition, dir, err)
	}
	res.push("mount "+dir, func() error { return p.Mounter.Unmount(dir) })

	mounted, err := p.Mounter.Mounted(dir)
	if err != nil {
		return err
	}
	if !mounted {
		return fmt.Errorf("%s is not mounted on %s after mounting", partition, dir)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err == nil {
		fmt.Fprintf(p.Stdout, "file system %s: %s available\n", partition, humanize.IBytes(st.Bavail*uint64(st.Bsize)))
	}

	if err := res.pop(); err != nil { // unmount
		return err
	}
	return res.pop() // scratch directory
}
