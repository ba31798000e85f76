package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "onloc",
		Short: "Onloc device agent",
		Long:  "Onloc reports this device's location to an Onloc server and answers remote ring and lock commands.",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "onloc.yaml", "path to Onloc config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd(&configPath))
	cmd.AddCommand(newLogoutCmd(&configPath))
	cmd.AddCommand(newDiscoverCmd(&configPath))
	cmd.AddCommand(newDevicesCmd(&configPath))
	cmd.AddCommand(newDeviceCmd(&configPath))
	cmd.AddCommand(newRingCmd(&configPath))
	cmd.AddCommand(newLockCmd(&configPath))
	cmd.AddCommand(newIntervalCmd(&configPath))
	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newStatusCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "onloc %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
