// Package netmon watches host connectivity and reports transitions between
// online and offline.
package netmon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Opts holds parameters for creating a Monitor.
type Opts struct {
	Interval    time.Duration // poll period (default 5s)
	OnAvailable func()
	OnLost      func()
	Probe       func() bool // defaults to HasRoutableInterface
	Logger      *zerolog.Logger
}

// Monitor polls connectivity and calls OnAvailable or OnLost on change.
type Monitor struct {
	interval    time.Duration
	onAvailable func()
	onLost      func()
	probe       func() bool
	logger      zerolog.Logger
}

// New creates a Monitor.
func New(opts Opts) (*Monitor, error) {
	if opts.OnAvailable == nil || opts.OnLost == nil {
		return nil, fmt.Errorf("netmon: OnAvailable and OnLost are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Probe == nil {
		opts.Probe = HasRoutableInterface
	}
	logger := log.With().Str("module", "netmon").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Monitor{
		interval:    opts.Interval,
		onAvailable: opts.OnAvailable,
		onLost:      opts.OnLost,
		probe:       opts.Probe,
		logger:      logger,
	}, nil
}

// Run polls until ctx is done. The first observation sets the baseline and
// does not fire a callback.
func (m *Monitor) Run(ctx context.Context) error {
	online := m.probe()
	m.logger.Debug().Bool("online", online).Msg("network monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := m.probe()
		if now == online {
			continue
		}
		online = now
		if online {
			m.logger.Info().Msg("network available")
			m.onAvailable()
		} else {
			m.logger.Info().Msg("network lost")
			m.onLost()
		}
	}
}

// HasRoutableInterface reports whether any up, non-loopback interface has a
// global unicast address.
func HasRoutableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
