package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zulandar/onloc/internal/agent"
	"github.com/zulandar/onloc/internal/auth"
	"github.com/zulandar/onloc/internal/command"
	"github.com/zulandar/onloc/internal/config"
	"github.com/zulandar/onloc/internal/device"
	"github.com/zulandar/onloc/internal/netmon"
	"github.com/zulandar/onloc/internal/notify"
	"github.com/zulandar/onloc/internal/realtime"
	"github.com/zulandar/onloc/internal/telemetry"
)

func newRunCmd(configPath *string) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device agent",
		Long:  "Connects to the server's realtime channel, reports location on the configured interval and answers ring and lock commands until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("status-addr") {
				a.cfg.Status.Addr = statusAddr
			}
			return runAgent(cmd, a)
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "listen address of the local status API (overrides config)")
	return cmd
}

func runAgent(cmd *cobra.Command, a *app) error {
	cfg := a.cfg

	client, err := a.apiClient()
	if err != nil {
		return err
	}
	channel := realtime.NewChannel(realtime.ChannelOpts{
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		ReconnectDelayMax: cfg.Realtime.ReconnectDelayMax,
	})
	loop, err := telemetry.New(telemetry.LoopOpts{
		Settings:        a.store,
		Locator:         newLocator(cfg.Telemetry),
		Battery:         newBattery(cfg.Telemetry),
		Uploader:        client,
		DefaultInterval: cfg.Telemetry.Interval,
		UploadTimeout:   cfg.Telemetry.UploadTimeout,
	})
	if err != nil {
		return err
	}

	if len(cfg.Ring.Command) == 0 {
		log.Warn().Msg("ring.command is not set, ring commands will fail")
	}
	ringer, err := command.NewRinger(command.RingerOpts{
		Player:   device.CommandPlayer{Command: cfg.Ring.Command, VolumeCommand: cfg.Ring.VolumeCommand},
		Duration: cfg.Ring.Duration,
	})
	if err != nil {
		return err
	}
	var locker device.Locker
	if len(cfg.Lock.Command) > 0 {
		locker = device.CommandLocker{Command: cfg.Lock.Command, MessageCommand: cfg.Lock.MessageCommand}
	}
	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	ag, err := agent.New(agent.Opts{
		Store:         a.store,
		Sessions:      a.auth,
		Channel:       channel,
		Telemetry:     loop,
		Ringer:        ringer,
		Locker:        locker,
		Notifier:      notifier,
		WatchInterval: cfg.Realtime.WatchInterval,
		NetworkProbe:  netmon.HasRoutableInterface,
		StatusAddr:    cfg.Status.Addr,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = ag.Run(ctx)
	switch {
	case errors.Is(err, auth.ErrNoSession):
		return fmt.Errorf("not logged in, run `onloc login`")
	case errors.Is(err, auth.ErrSessionExpired):
		fmt.Fprintln(cmd.ErrOrStderr(), "session expired, run `onloc login`")
		return err
	}
	return err
}

func newLocator(cfg config.TelemetryConfig) device.Locator {
	if s := cfg.Static; s != nil {
		fix := device.Fix{Latitude: s.Latitude, Longitude: s.Longitude}
		if s.Altitude != 0 {
			alt := s.Altitude
			fix.Altitude = &alt
		}
		if s.Accuracy != 0 {
			acc := s.Accuracy
			fix.Accuracy = &acc
		}
		return device.StaticLocator{Fix: fix}
	}
	argv := cfg.LocatorCommand
	if len(argv) == 0 {
		argv = []string{"termux-location"}
	}
	return device.CommandLocator{Command: argv}
}

// newBattery returns nil when no battery source is configured; samples then
// report an unknown level.
func newBattery(cfg config.TelemetryConfig) device.Battery {
	switch {
	case cfg.BatterySysfs != "":
		return device.SysfsBattery{Path: cfg.BatterySysfs}
	case len(cfg.BatteryCommand) > 0:
		return device.CommandBattery{Command: cfg.BatteryCommand}
	}
	return nil
}

// newNotifier returns nil when no webhook is configured.
func newNotifier(cfg config.NotifyConfig) (command.Notifier, error) {
	host, _ := os.Hostname()
	var multi notify.Multi
	if cfg.SlackWebhookURL != "" {
		s, err := notify.NewSlack(cfg.SlackWebhookURL, "onloc@"+host)
		if err != nil {
			return nil, err
		}
		multi = append(multi, s)
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := notify.NewDiscord(cfg.DiscordWebhookURL, "onloc@"+host)
		if err != nil {
			return nil, err
		}
		multi = append(multi, d)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}
