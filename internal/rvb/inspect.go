package rvb

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rvboot/tools/internal/packer"
	"github.com/spf13/cobra"
)

// inspectCmd is rvb inspect.
func inspectCmd() *cobra.Command {
	return &cobra.Command{
		GroupID:               "image",
		Use:                   "inspect [flags] <device|image>",
		DisableFlagsInUseLine: true,
		Short:                 "Print the partition table of a device or image file",
		Long: `Print the partition table of a device or image file.

Examples:
  % rvb inspect /dev/sdx
  % rvb inspect /tmp/board.img
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NArg() != 1 {
				fmt.Fprint(os.Stderr, `expected exactly one device or image file

`)
				return cmd.Usage()
			}
			return inspectImpl.run(cmd.Context(), args[0], cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
}

type inspectImplConfig struct{}

var inspectImpl inspectImplConfig

func (r *inspectImplConfig) run(ctx context.Context, path string, stdout, stderr io.Writer) error {
	return packer.PrintSummary(stdout, path)
}
