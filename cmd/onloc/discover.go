package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/onloc/internal/discovery"
)

func newDiscoverCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find Onloc servers on the local network",
		Long:  "Browses mDNS for Onloc servers and prints the URL of each one found before the timeout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Discovery.Timeout
			}

			out := cmd.OutOrStdout()
			var (
				mu    sync.Mutex
				found int
			)
			d, err := discovery.New(discovery.Opts{
				ServiceType: a.cfg.Discovery.ServiceType,
				ServiceName: a.cfg.Discovery.ServiceName,
				Found: func(e discovery.Endpoint) {
					mu.Lock()
					defer mu.Unlock()
					found++
					fmt.Fprintf(out, "%s\t%s\n", e.Name, e.URL())
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()
			if err := d.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			d.Stop()

			mu.Lock()
			defer mu.Unlock()
			if found == 0 {
				fmt.Fprintln(out, "No Onloc servers found")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to browse")
	return cmd
}
