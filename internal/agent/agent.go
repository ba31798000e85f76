// Package agent supervises the long-running parts of the device agent: the
// realtime command channel, the telemetry loop, the store watcher, the
// network monitor and the status API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/auth"
	"github.com/zulandar/onloc/internal/command"
	"github.com/zulandar/onloc/internal/device"
	"github.com/zulandar/onloc/internal/models"
	"github.com/zulandar/onloc/internal/netmon"
	"github.com/zulandar/onloc/internal/realtime"
	"github.com/zulandar/onloc/internal/statusserver"
	"github.com/zulandar/onloc/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Store is the persisted state the agent reads and, via the status API,
// writes.
type Store interface {
	Server() (string, error)
	AccessToken() (string, error)
	DeviceID() (int, error)
	SetDeviceID(id int) error
	LocationInterval() (string, error)
	User() (*models.User, error)
}

// Sessions notifies when the login session ends irrecoverably.
type Sessions interface {
	OnSessionEnded(fn func())
}

// Opts holds parameters for creating an Agent.
type Opts struct {
	Store         Store
	Sessions      Sessions
	Channel       *realtime.Channel
	Telemetry     *telemetry.Loop
	Ringer        *command.Ringer
	Locker        device.Locker    // optional
	Notifier      command.Notifier // optional
	WatchInterval time.Duration    // store poll period (default 5s)
	NetworkProbe  func() bool      // nil disables the network monitor
	StatusAddr    string           // empty disables the status API
	Logger        *zerolog.Logger
}

// Agent runs the background services until cancelled or logged out.
type Agent struct {
	opts       Opts
	logger     zerolog.Logger
	dispatcher *command.Dispatcher
	watcher    *Watcher

	connMu sync.Mutex // serializes channel (re)initialization
	runCtx context.Context

	endOnce sync.Once
	ended   chan struct{}
}

// New creates an Agent.
func New(opts Opts) (*Agent, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("agent: store is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("agent: sessions are required")
	case opts.Channel == nil:
		return nil, fmt.Errorf("agent: channel is required")
	case opts.Telemetry == nil:
		return nil, fmt.Errorf("agent: telemetry is required")
	case opts.Ringer == nil:
		return nil, fmt.Errorf("agent: ringer is required")
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 5 * time.Second
	}
	logger := log.With().Str("module", "agent").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	a := &Agent{opts: opts, logger: logger, ended: make(chan struct{})}
	d, err := command.NewDispatcher(command.DispatcherOpts{
		Ringer:    opts.Ringer,
		Locker:    opts.Locker,
		Reconnect: a.reconnect,
		Notifier:  opts.Notifier,
		Logger:    &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	a.dispatcher = d
	w, err := NewWatcher(opts.Store)
	if err != nil {
		return nil, err
	}
	a.watcher = w
	return a, nil
}

// Run starts every service and blocks until ctx is cancelled (returning nil)
// or the session ends (returning auth.ErrSessionExpired).
func (a *Agent) Run(ctx context.Context) error {
	token, err := a.opts.Store.AccessToken()
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if token == "" {
		return auth.ErrNoSession
	}

	a.opts.Sessions.OnSessionEnded(func() {
		// Stop does not wait, so this is safe inside the failing upload.
		a.opts.Telemetry.Stop()
		a.endSession()
	})

	g, gctx := errgroup.WithContext(ctx)
	a.connMu.Lock()
	a.runCtx = gctx
	a.connMu.Unlock()

	if _, err := a.watcher.Poll(); err != nil {
		return err
	}
	if err := a.connect(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		a.opts.Channel.Disconnect()
		a.opts.Ringer.Dismiss()
		return nil
	})

	g.Go(func() error {
		if err := a.opts.Telemetry.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		a.opts.Telemetry.Stop()
		return nil
	})

	g.Go(func() error { return a.watch(gctx) })

	if a.opts.NetworkProbe != nil {
		mon, err := netmon.New(netmon.Opts{
			Probe:       a.opts.NetworkProbe,
			OnAvailable: func() {
				if err := a.opts.Channel.Connect(gctx); err != nil {
					a.logger.Warn().Err(err).Msg("connect on network available")
				}
			},
			OnLost:      a.opts.Channel.NetworkLost,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return mon.Run(gctx) })
	}

	if a.opts.StatusAddr != "" {
		srv, err := statusserver.New(statusserver.Opts{
			Addr:    a.opts.StatusAddr,
			Status:  a.Status,
			Ringer:  a.opts.Ringer,
			Devices: a.opts.Store,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.ended:
			a.logger.Warn().Msg("session ended, stopping agent")
			a.opts.Telemetry.Stop()
			a.opts.Channel.Disconnect()
			a.notify("Session expired, the agent stopped. Run `onloc login` to sign in again.")
			return auth.ErrSessionExpired
		}
	})

	a.logger.Info().Msg("agent running")
	err = g.Wait()
	if errors.Is(err, auth.ErrSessionExpired) {
		return auth.ErrSessionExpired
	}
	return err
}

func (a *Agent) endSession() {
	a.endOnce.Do(func() { close(a.ended) })
}

// connect initializes the channel with the stored server and token, installs
// the command handlers, binds the selected device and starts connecting.
func (a *Agent) connect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	server, err := a.opts.Store.Server()
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	token, err := a.opts.Store.AccessToken()
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if server == "" || token == "" {
		return auth.ErrNoSession
	}
	deviceID, err := a.opts.Store.DeviceID()
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	ch := a.opts.Channel
	if err := ch.Initialize(server, token); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.dispatcher.Register(ctx, ch)
	ch.SetDevice(deviceID)
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

// reconnect tears the channel down and re-establishes it.
func (a *Agent) reconnect() {
	a.connMu.Lock()
	ctx := a.runCtx
	a.connMu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := a.connect(ctx); err != nil {
		a.logger.Error().Err(err).Msg("reconnect failed")
	}
}

func (a *Agent) watch(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c, err := a.watcher.Poll()
		if err != nil {
			a.logger.Warn().Err(err).Msg("store poll failed")
			continue
		}
		if c.Empty() {
			continue
		}
		if c.LoggedOut {
			a.logger.Info().Msg("session cleared in store")
			a.endSession()
			return nil
		}
		if c.TokenChanged {
			a.logger.Info().Msg("access token changed, re-initializing channel")
			a.reconnect()
		} else if c.DeviceChanged {
			a.logger.Info().Int("device_id", c.DeviceID).Msg("device selection changed")
			a.opts.Channel.SetDevice(c.DeviceID)
		}
	}
}

func (a *Agent) notify(text string) {
	if a.opts.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.opts.Notifier.Notify(ctx, text); err != nil {
		a.logger.Warn().Err(err).Msg("notify failed")
	}
}

// Status returns a snapshot for the status API.
func (a *Agent) Status() statusserver.Status {
	st := statusserver.Status{
		DeviceID:  models.NoDevice,
		Channel:   a.opts.Channel.State().String(),
		Ringing:   a.opts.Ringer.IsRinging(),
		Interval:  telemetry.FormatInterval(a.opts.Telemetry.Interval()),
		Telemetry: a.opts.Telemetry.Running(),
	}
	if server, err := a.opts.Store.Server(); err == nil {
		st.Server = server
	}
	if id, err := a.opts.Store.DeviceID(); err == nil {
		st.DeviceID = id
	}
	if u, err := a.opts.Store.User(); err == nil && u != nil {
		st.User = u.Username
	}
	if since := a.opts.Ringer.Since(); !since.IsZero() {
		st.RingingSince = &since
	}
	if s, ok := a.opts.Telemetry.LastSample(); ok {
		st.LastSample = &statusserver.Sample{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Battery:   s.Battery,
			Timestamp: s.Timestamp,
		}
	}
	return st
}
