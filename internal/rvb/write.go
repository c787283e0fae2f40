package rvb

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rvboot/tools/internal/config"
	"github.com/rvboot/tools/internal/packer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// writeCmd is rvb write.
func writeCmd() *cobra.Command {
	cmd := &cobra.Command{
		GroupID: "image",
		Use:     "write",
		Short:   "Partition a device or image file and write the boot images to it",
		Long: `Partition a device or image file and write the boot images to it.

The target receives a GUID partition table with four partitions: the
device tree, the OpenSBI firmware, the kernel and an ext4 file system
spanning the rest of the device. When the target is not a block device,
an image file is created which fits the file system partition with
--min_filesystem_blocks sectors. Its size in bytes is 512 × (filesystem
start sector + --min_filesystem_blocks + 33); the last 33 sectors hold
the backup GPT. Writing image files requires losetup(8)
and kpartx(8); all targets require mkfs.ext4(8), which usually means
running as root.

Examples:
  # Write the images in ./images to the SD card sdx:
  % sudo rvb write --target=/dev/sdx

  # Create an image file from a different build directory, without asking:
  % sudo rvb write --source=out/images --target=/tmp/board.img --yes
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
			return writeImpl.run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	config.RegisterPflags(cmd.Flags())
	config.RegisterWritePflags(cmd.Flags())
	return cmd
}

type writeImplConfig struct{}

var writeImpl writeImplConfig

func (r *writeImplConfig) run(ctx context.Context, cfg *config.Struct, stdin io.Reader, stdout io.Writer) error {
	if cfg.Target == "" {
		return fmt.Errorf("%w: specify the device or image file to write with --target", packer.ErrMissingInput)
	}
	logrus.WithFields(logrus.Fields{
		"target": cfg.Target,
		"source": cfg.SourceDir,
	}).Debug("writing")
	return packer.NewPack(cfg, stdin, stdout).Run(ctx)
}
