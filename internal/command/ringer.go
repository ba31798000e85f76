// Package command reacts to commands pushed by the server: ring and lock the
// device, and re-establish the channel when the server drops it.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/device"
)

// RingerOpts holds parameters for creating a Ringer.
type RingerOpts struct {
	Player      device.Player
	Duration    time.Duration // default 30s
	ReplayDelay time.Duration // pause before replaying a finished sound (default 500ms)
	Logger      *zerolog.Logger
}

// Ringer presents at most one ring alert at a time.
type Ringer struct {
	player   device.Player
	duration time.Duration
	replay   time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	ringing bool
	stop    context.CancelFunc
	done    chan struct{}
	started time.Time
}

// NewRinger creates a Ringer.
func NewRinger(opts RingerOpts) (*Ringer, error) {
	if opts.Player == nil {
		return nil, fmt.Errorf("command: player is required")
	}
	if opts.Duration <= 0 {
		opts.Duration = 30 * time.Second
	}
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = 500 * time.Millisecond
	}
	logger := log.With().Str("module", "ringer").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Ringer{
		player:   opts.Player,
		duration: opts.Duration,
		replay:   opts.ReplayDelay,
		logger:   logger,
	}, nil
}

// Ring starts a ring alert and reports whether it did. It returns false
// without effect when an alert is already active. The sound is replayed
// until the duration elapses, Dismiss is called or ctx is done.
func (r *Ringer) Ring(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ringing {
		r.logger.Debug().Msg("already ringing, ignoring")
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, r.duration)
	done := make(chan struct{})
	r.ringing = true
	r.stop = cancel
	r.done = done
	r.started = time.Now()

	go r.present(pctx, cancel, done)
	r.logger.Info().Dur("duration", r.duration).Msg("ringing")
	return true
}

func (r *Ringer) present(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		r.mu.Lock()
		r.ringing = false
		r.stop = nil
		r.mu.Unlock()
		close(done)
		r.logger.Info().Msg("ring ended")
	}()
	for plays := 1; ; plays++ {
		err := r.player.Play(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn().Err(err).Int("plays", plays).Msg("ring playback failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.replay):
		}
	}
}

// Dismiss ends the active alert early. It is a no-op when not ringing.
func (r *Ringer) Dismiss() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		r.logger.Info().Msg("ring dismissed")
		stop()
	}
}

// IsRinging reports whether an alert is active.
func (r *Ringer) IsRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

// Since returns when the active alert started, or the zero time.
func (r *Ringer) Since() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ringing {
		return time.Time{}
	}
	return r.started
}

// Wait blocks until no alert is active.
func (r *Ringer) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}
