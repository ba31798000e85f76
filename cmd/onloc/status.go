package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/onloc/internal/models"
	"github.com/zulandar/onloc/internal/statusserver"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and agent status",
		Long:  "Prints the stored session and settings. When the status API is configured, the running agent's live state is included.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			server, err := a.store.Server()
			if err != nil {
				return err
			}
			user, err := a.store.User()
			if err != nil {
				return err
			}
			deviceID, err := a.store.DeviceID()
			if err != nil {
				return err
			}
			interval, err := a.store.LocationInterval()
			if err != nil {
				return err
			}
			if interval == "" {
				interval = a.cfg.Telemetry.Interval
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Server:\t%s\n", orDash(server))
			if user != nil {
				fmt.Fprintf(w, "User:\t%s\n", user.Username)
			} else {
				fmt.Fprintf(w, "User:\tnot logged in\n")
			}
			if deviceID == models.NoDevice {
				fmt.Fprintf(w, "Device:\tnone\n")
			} else {
				fmt.Fprintf(w, "Device:\t%d\n", deviceID)
			}
			fmt.Fprintf(w, "Interval:\t%s\n", interval)

			if addr := a.cfg.Status.Addr; addr != "" {
				st, err := fetchStatus(addr)
				if err != nil {
					fmt.Fprintf(w, "Agent:\tnot running (%v)\n", err)
				} else {
					writeLiveStatus(w, st)
				}
			}
			return w.Flush()
		},
	}
}

func fetchStatus(addr string) (*statusserver.Status, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status API returned %d: %s", resp.StatusCode, body)
	}
	var st statusserver.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func writeLiveStatus(w io.Writer, st *statusserver.Status) {
	fmt.Fprintf(w, "Channel:\t%s\n", st.Channel)
	telemetry := "stopped"
	if st.Telemetry {
		telemetry = "running every " + st.Interval
	}
	fmt.Fprintf(w, "Telemetry:\t%s\n", telemetry)
	if s := st.LastSample; s != nil {
		battery := "unknown"
		if s.Battery >= 0 {
			battery = fmt.Sprintf("%d%%", s.Battery)
		}
		fmt.Fprintf(w, "Last sample:\t%.5f,%.5f battery %s at %s\n",
			s.Latitude, s.Longitude, battery, s.Timestamp.Format("2006-01-02 15:04:05"))
	}
	if st.Ringing && st.RingingSince != nil {
		fmt.Fprintf(w, "Ringing:\tsince %s\n", st.RingingSince.Format("15:04:05"))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
