// Package rvb implements the rvb command line tool.
package rvb

import (
	"fmt"

	"github.com/rvboot/tools/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rvb",
		Short: "write boot images for RISC-V boards",
		Long: `The rvb tool assembles a bootable storage medium for RISC-V boards
from a device tree blob, an OpenSBI firmware image and a Linux kernel:

1. Preview the partition layout for your images (rvb layout),
2. Write an SD card or an image file (rvb write),
3. Look at the partition table of a card or image (rvb inspect).

Settings are read from rvb.yaml (in the current directory or in
~/.config/rvb), RVB_* environment variables and flags, in increasing order
of precedence.
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("BUG: verbose flag declared as non-bool")
			}
			logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			logrus.SetOutput(cmd.ErrOrStderr())
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Fprintln(cmd.OutOrStdout(), version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "image",
		Title: "Commands to plan and write boot images:",
	})
	rootCmd.Flags().Bool("version", false, "print rvb version")
	rootCmd.PersistentFlags().String("config", "", "path to the configuration file (default: rvb.yaml in . or ~/.config/rvb)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug messages")
	rootCmd.AddCommand(writeCmd())
	rootCmd.AddCommand(layoutCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// configFile returns the value of the persistent --config flag.
func configFile(cmd *cobra.Command) string {
	fn, _ := cmd.Flags().GetString("config")
	return fn
}
