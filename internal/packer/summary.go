package packer

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/dustin/go-humanize"
	"github.com/rvboot/tools/packer"
)

var typeNames = map[string]string{
	packer.PartitionTypeOpenSBI:             "OpenSBI firmware",
	packer.PartitionTypeLinuxFilesystemData: "Linux filesystem data",
}

// PrintSummary reads the partition table of path (a device or an image file)
// back and prints one line per partition.
func PrintSummary(w io.Writer, path string) error {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer d.Close()
	pt, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("reading partition table of %s: %w", path, err)
	}
	table, ok := pt.(*gpt.Table)
	if !ok {
		return fmt.Errorf("%s does not contain a GPT (found %s)", path, pt.Type())
	}

	fmt.Fprintf(w, "%s: GPT, disk GUID %s\n", path, table.GUID)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tname\tstart\tend\tsize\ttype\n")
	for i, p := range table.Partitions {
		if p.Type == gpt.Unused {
			continue
		}
		typ := string(p.Type)
		if name, ok := typeNames[strings.ToUpper(typ)]; ok {
			typ = name
		}
		size := (p.End - p.Start + 1) * packer.BlockSize
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
			i+1,
			strings.TrimRight(p.Name, "\x00"),
			p.Start,
			p.End,
			humanize.IBytes(size),
			typ)
	}
	return tw.Flush()
}
