package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/device"
	"github.com/zulandar/onloc/internal/realtime"
)

const lockTimeout = 30 * time.Second

// Subscriber registers event handlers; *realtime.Channel implements it.
type Subscriber interface {
	On(event string, h realtime.Handler)
}

// Notifier relays a short human-readable notice, e.g. to a chat webhook.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Ringer    *Ringer
	Locker    device.Locker // nil when the host cannot lock; lock commands are then not accepted
	Reconnect func()        // full teardown and re-establish of the channel
	Notifier  Notifier      // optional
	Logger    *zerolog.Logger
}

// Dispatcher maps server events to local actions.
type Dispatcher struct {
	ringer    *Ringer
	locker    device.Locker
	reconnect func()
	notifier  Notifier
	logger    zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Ringer == nil {
		return nil, fmt.Errorf("command: ringer is required")
	}
	if opts.Reconnect == nil {
		return nil, fmt.Errorf("command: reconnect is required")
	}
	logger := log.With().Str("module", "dispatcher").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Dispatcher{
		ringer:    opts.Ringer,
		locker:    opts.Locker,
		reconnect: opts.Reconnect,
		notifier:  opts.Notifier,
		logger:    logger,
	}, nil
}

type lockCommand struct {
	Message string `json:"message"`
}

// Register installs the command handlers on sub. ctx bounds the actions they
// start. The lock handler is only installed when a Locker is configured.
func (d *Dispatcher) Register(ctx context.Context, sub Subscriber) {
	sub.On(realtime.EventRing, func(json.RawMessage) {
		if d.ringer.Ring(ctx) {
			d.notify(ctx, "Ring command received, device is ringing")
		}
	})

	if d.locker != nil {
		sub.On(realtime.EventLock, func(data json.RawMessage) {
			var cmd lockCommand
			if len(data) > 0 {
				if err := json.Unmarshal(data, &cmd); err != nil {
					d.logger.Warn().Err(err).Msg("malformed lock command, locking without message")
				}
			}
			lctx, cancel := context.WithTimeout(ctx, lockTimeout)
			defer cancel()
			if err := d.locker.Lock(lctx, cmd.Message); err != nil {
				d.logger.Error().Err(err).Msg("lock failed")
				return
			}
			d.logger.Info().Bool("with_message", cmd.Message != "").Msg("device locked")
			d.notify(ctx, "Lock command received, device locked")
		})
	} else {
		d.logger.Info().Msg("no lock capability, lock commands disabled")
	}

	sub.On(realtime.EventDisconnect, func(json.RawMessage) {
		d.logger.Info().Msg("server requested disconnect, reconnecting")
		go d.reconnect()
	})
}

func (d *Dispatcher) notify(ctx context.Context, text string) {
	if d.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.notifier.Notify(nctx, text); err != nil {
			d.logger.Warn().Err(err).Msg("notify failed")
		}
	}()
}
