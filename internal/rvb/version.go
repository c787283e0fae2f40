package rvb

import (
	"context"
	"fmt"
	"io"

	"github.com/rvboot/tools/internal/version"
	"github.com/spf13/cobra"
)

// versionCmd is rvb version.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print rvb version",
		Long:  `Print rvb version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return versionImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
}

type versionImplConfig struct{}

var versionImpl versionImplConfig

func (r *versionImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "%s\n", version.Read())
	return nil
}
