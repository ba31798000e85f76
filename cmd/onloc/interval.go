package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/onloc/internal/telemetry"
)

func newIntervalCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "interval [value]",
		Short: "Show or set the location reporting interval",
		Long:  "Shows the interval, or sets it to a number followed by s, m, h or d (e.g. 30s, 5m). A running agent applies the new interval after its next sample.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				stored, err := a.store.LocationInterval()
				if err != nil {
					return err
				}
				if stored == "" {
					fmt.Fprintf(out, "%s (default)\n", a.cfg.Telemetry.Interval)
					return nil
				}
				fmt.Fprintln(out, stored)
				return nil
			}

			d, err := telemetry.ParseInterval(args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetLocationInterval(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Interval set to %s\n", telemetry.FormatInterval(d))
			return nil
		},
	}
}
