package packer

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jaypipes/ghw"
	"github.com/sirupsen/logrus"
)

// describeDevice returns dev annotated with vendor, model and size, if the
// kernel knows about it.
func describeDevice(dev string) string {
	resolved, err := filepath.EvalSymlinks(dev)
	if err != nil {
		resolved = dev
	}
	info, err := ghw.Block()
	if err != nil {
		logrus.Debugf("querying block devices: %v", err)
		return dev
	}
	name := filepath.Base(resolved)
	for _, disk := range info.Disks {
		if disk.Name != name {
			continue
		}
		removable := ""
		if disk.IsRemovable {
			removable = ", removable"
		}
		model := strings.TrimSpace(disk.Vendor + " " + disk.Model)
		return fmt.Sprintf("%s (%s, %s%s)", dev, model, humanize.IBytes(disk.SizeBytes), removable)
	}
	return dev
}

// confirm asks whether what may be destroyed. Anything but y or yes aborts.
func confirm(in io.Reader, out io.Writer, what string) error {
	fmt.Fprintf(out, "All data on %s will be lost.\n", what)
	fmt.Fprintf(out, "Continue? [y/N] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("%w: not overwriting %s", ErrUserAborted, what)
}
