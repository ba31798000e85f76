package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/onloc/internal/models"
)

func newDevicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the account's devices",
		Long:  "Lists devices registered on the server. The device this agent reports as is marked with *.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			devices, err := client.Devices(commandContext(cmd))
			if err != nil {
				return err
			}
			selected, err := a.store.DeviceID()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, " \tID\tNAME\tLAST LOCATION\tBATTERY")
			for _, d := range devices {
				mark := " "
				if d.ID == selected {
					mark = "*"
				}
				where, battery := "-", "-"
				if loc := d.LatestLocation; loc != nil {
					where = fmt.Sprintf("%.5f,%.5f", loc.Latitude, loc.Longitude)
					if !loc.CreatedAt.IsZero() {
						where += " (" + loc.CreatedAt.Format("2006-01-02 15:04") + ")"
					}
					if loc.Battery != nil {
						battery = strconv.Itoa(*loc.Battery) + "%"
					}
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", mark, d.ID, d.Name, where, battery)
			}
			w.Flush()
			return nil
		},
	}
}

func newDeviceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Choose which device this agent reports as",
	}

	cmd.AddCommand(newDeviceSelectCmd(configPath))
	cmd.AddCommand(newDeviceClearCmd(configPath))
	cmd.AddCommand(newDeviceShowCmd(configPath))
	return cmd
}

func newDeviceSelectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "select <device-id>",
		Short: "Report as the given device",
		Long:  "Binds this agent to a device of the account. A running agent picks up the change without a restart.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			devices, err := client.Devices(commandContext(cmd))
			if err != nil {
				return err
			}
			var dev *models.Device
			for i := range devices {
				if devices[i].ID == id {
					dev = &devices[i]
					break
				}
			}
			if dev == nil {
				return fmt.Errorf("device %d not found", id)
			}
			if err := a.store.SetDeviceID(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reporting as device %d (%s)\n", dev.ID, dev.Name)
			return nil
		},
	}
}

func newDeviceClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Stop reporting as any device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.store.SetDeviceID(models.NoDevice); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No device selected")
			return nil
		},
	}
}

func newDeviceShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the selected device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			id, err := a.store.DeviceID()
			if err != nil {
				return err
			}
			if id == models.NoDevice {
				fmt.Fprintln(cmd.OutOrStdout(), "No device selected")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
			return nil
		},
	}
}

func newRingCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ring <device-id>",
		Short: "Ask the server to ring a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			if err := client.Ring(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ring sent to device %d\n", id)
			return nil
		},
	}
}

func newLockCmd(configPath *string) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "lock <device-id>",
		Short: "Ask the server to lock a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			if err := client.Lock(commandContext(cmd), id, message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Lock sent to device %d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "message to show on the lock screen")
	return cmd
}

func parseDeviceID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid device ID %q", s)
	}
	return id, nil
}
