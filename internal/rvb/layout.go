package rvb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rvboot/tools/internal/config"
	"github.com/rvboot/tools/internal/packer"
	gptpacker "github.com/rvboot/tools/packer"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// layoutCmd is rvb layout.
func layoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		GroupID: "image",
		Use:     "layout",
		Short:   "Print the partition layout for the boot images without writing anything",
		Long: `Print the partition layout for the boot images without writing anything.

Examples:
  % rvb layout --source=out/images
  % rvb layout --json | jq '.partitions[1].start'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NArg() > 0 {
				fmt.Fprint(os.Stderr, `positional arguments are not supported

`)
				return cmd.Usage()
			}
			cfg, err := config.Load(configFile(cmd), cmd.Flags())
			if err != nil {
				return err
			}
			return layoutImpl.run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	config.RegisterPflags(cmd.Flags())
	cmd.Flags().BoolVarP(&layoutImpl.json, "json", "", false, "print the layout as JSON")
	return cmd
}

type layoutImplConfig struct {
	json bool
	fs   afero.Fs // defaults to the OS file system
}

var layoutImpl layoutImplConfig

type layoutPartition struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	TypeGUID string `json:"type_guid"`
	Start    int64  `json:"start"`
	// Length is -1 for the partition extending to the end of the device.
	Length int64  `json:"length"`
	File   string `json:"file,omitempty"`
}

type layoutOutput struct {
	Partitions []layoutPartition `json:"partitions"`
	// ImageSectors is the size of an image file created by rvb write.
	ImageSectors int64 `json:"image_sectors"`
}

func (r *layoutImplConfig) run(ctx context.Context, cfg *config.Struct, stdout io.Writer) error {
	fs := r.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	payloads, err := packer.FindPayloads(fs, cfg)
	if err != nil {
		return err
	}
	plan, err := packer.PlanFor(payloads)
	if err != nil {
		return err
	}
	files := make(map[int]string) // by partition index
	for _, pl := range payloads {
		spec, _ := plan.Payload(pl.Name)
		files[spec.Index] = pl.Path
	}
	out := layoutOutput{
		ImageSectors: plan.ImageSectors(cfg.MinFilesystemBlocks),
	}
	for _, p := range plan.Partitions {
		out.Partitions = append(out.Partitions, layoutPartition{
			Index:    p.Index,
			Name:     p.Name,
			TypeGUID: p.TypeGUID,
			Start:    p.Start,
			Length:   p.Length,
			File:     files[p.Index],
		})
	}

	if r.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tname\tstart\tsectors\tcontents\n")
	for _, p := range out.Partitions {
		length := fmt.Sprint(p.Length)
		if p.Length == gptpacker.RestOfDevice {
			length = "rest of device"
		}
		contents := p.File
		if contents == "" {
			contents = "ext4 file system"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", p.Index, p.Name, p.Start, length, contents)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "image files are %d sectors (%s)\n",
		out.ImageSectors,
		humanize.IBytes(uint64(out.ImageSectors*gptpacker.BlockSize)))
	return nil
}
