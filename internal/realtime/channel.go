// Package realtime maintains the persistent Socket.IO channel over which the
// server pushes commands to this device.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/models"
	"github.com/zulandar/onloc/internal/realtime/sio"
)

// Event names exchanged with the server.
const (
	EventRegisterDevice   = "register-device"
	EventUnregisterDevice = "unregister-device"
	EventRing             = "ring-command"
	EventLock             = "lock-command"
	EventDisconnect       = "disconnect"
)

const handshakeTimeout = 20 * time.Second

// ErrClosed is returned by a session when the server closes the transport.
var ErrClosed = errors.New("realtime: connection closed by server")

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives the payload of a server event (nil when absent). Handlers
// run on the read loop and must not call Disconnect or Initialize directly.
type Handler func(data json.RawMessage)

// ChannelOpts holds parameters for creating a Channel.
type ChannelOpts struct {
	Dialer            Dialer        // defaults to WebsocketDialer{}
	ReconnectDelay    time.Duration // first retry delay (default 1s)
	ReconnectDelayMax time.Duration // retry delay cap (default 5s)
	Logger            *zerolog.Logger
}

// Channel owns at most one live Socket.IO connection and reconnects it
// forever until Disconnect.
type Channel struct {
	dialer   Dialer
	delay    time.Duration
	delayMax time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	endpoint   string
	token      string
	device     int
	state      State
	conn       Conn
	handlers   map[string]Handler
	stateHooks []func(State)
	cancel     context.CancelFunc
	done       chan struct{}
	wake       chan struct{}
}

// NewChannel creates a disconnected Channel.
func NewChannel(opts ChannelOpts) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = max(5*time.Second, opts.ReconnectDelay)
	}
	logger := log.With().Str("module", "realtime").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Channel{
		dialer:   opts.Dialer,
		delay:    opts.ReconnectDelay,
		delayMax: opts.ReconnectDelayMax,
		logger:   logger,
		device:   models.NoDevice,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Initialize tears down any previous connection and stores the endpoint and
// access token used by the next Connect. It does not connect.
func (c *Channel) Initialize(endpoint, accessToken string) error {
	if _, err := sio.URL(endpoint); err != nil {
		return fmt.Errorf("realtime: initialize: %w", err)
	}
	c.Disconnect()

	c.mu.Lock()
	c.endpoint = endpoint
	c.token = accessToken
	c.mu.Unlock()
	c.logger.Debug().Str("endpoint", endpoint).Msg("channel initialized")
	return nil
}

// Connect starts the connection loop. When the loop is already waiting to
// retry, the retry happens immediately.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.endpoint == "" {
		c.mu.Unlock()
		return fmt.Errorf("realtime: connect: channel is not initialized")
	}
	if c.done != nil {
		if c.state == Reconnecting {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	// Drop a stale wake-up from a previous loop.
	select {
	case <-c.wake:
	default:
	}
	c.mu.Unlock()

	c.setState(Connecting)
	go c.run(loopCtx, done)
	return nil
}

// Disconnect closes the transport, removes all handlers and waits for the
// connection loop to exit. It is safe to call in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(sio.EncodeDisconnect())
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.settle()
}

// NetworkLost drops the live transport. The loop backs off until the delay
// elapses or Connect is called again.
func (c *Channel) NetworkLost() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.logger.Info().Msg("network lost, dropping transport")
	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close transport")
	}
}

// On registers the handler for event, replacing any earlier one.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Emit sends an event. It is dropped when the channel is not connected.
func (c *Channel) Emit(event string, payload any) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.logger.Debug().Str("event", event).Msg("not connected, event dropped")
		return
	}
	frame, err := sio.EncodeEvent(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

type devicePayload struct {
	DeviceID int `json:"deviceId"`
}

// SetDevice changes the device bound to this connection. The previous device
// is unregistered and the new one registered when connected. NoDevice is
// never registered.
func (c *Channel) SetDevice(id int) {
	c.mu.Lock()
	old := c.device
	if old == id {
		c.mu.Unlock()
		return
	}
	c.device = id
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected {
		return
	}
	if old != models.NoDevice {
		c.Emit(EventUnregisterDevice, devicePayload{DeviceID: old})
	}
	if id != models.NoDevice {
		c.Emit(EventRegisterDevice, devicePayload{DeviceID: id})
	}
}

// Device returns the device registered on (re)connect.
func (c *Channel) Device() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called on every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, fn)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	hooks, changed := c.swapStateLocked(s)
	c.mu.Unlock()
	if changed {
		c.notifyState(s, hooks)
	}
}

// settle moves to Disconnected unless a newer loop owns the channel.
func (c *Channel) settle() {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	hooks, changed := c.swapStateLocked(Disconnected)
	c.mu.Unlock()
	if changed {
		c.notifyState(Disconnected, hooks)
	}
}

// swapStateLocked records s and returns a snapshot of the hooks to run.
// c.mu must be held.
func (c *Channel) swapStateLocked(s State) ([]func(State), bool) {
	if c.state == s {
		return nil, false
	}
	c.state = s
	return slices.Clone(c.stateHooks), true
}

func (c *Channel) notifyState(s State, hooks []func(State)) {
	c.logger.Debug().Str("state", s.String()).Msg("state changed")
	for _, fn := range hooks {
		fn(s)
	}
}

// finish releases the loop identified by done. A loop superseded by a later
// Connect leaves the newer loop's state alone.
func (c *Channel) finish(done chan struct{}) {
	c.mu.Lock()
	if c.done == done {
		c.cancel()
		c.cancel, c.done = nil, nil
	}
	c.mu.Unlock()
	c.settle()
	close(done)
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer c.finish(done)
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		c.setState(Reconnecting)
		wait := c.backoff(attempt)
		attempt++
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("realtime connection lost")

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-time.After(wait):
		}
	}
}

// session runs one connection from dial to loss. connected reports whether
// the server acknowledged the socket connect.
func (c *Channel) session(ctx context.Context) (connected bool, err error) {
	c.mu.Lock()
	endpoint, token := c.endpoint, c.token
	c.mu.Unlock()

	url, err := sio.URL(endpoint)
	if err != nil {
		return false, err
	}
	conn, err := c.dialer.Dial(ctx, url)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	hs, err := c.handshake(conn, token)
	if err != nil {
		return false, err
	}
	c.setState(Connected)
	c.logger.Info().Str("endpoint", endpoint).Str("sid", hs.SID).Msg("realtime connected")

	c.mu.Lock()
	device := c.device
	c.mu.Unlock()
	if device != models.NoDevice {
		c.Emit(EventRegisterDevice, devicePayload{DeviceID: device})
	}
	return true, c.readLoop(conn, hs)
}

// handshake reads the engine open packet, sends the socket CONNECT with the
// access token and waits for the acknowledgement.
func (c *Channel) handshake(conn Conn, token string) (sio.Handshake, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := conn.ReadMessage()
	if err != nil {
		return sio.Handshake{}, fmt.Errorf("realtime: handshake: %w", err)
	}
	p, err := sio.Decode(frame)
	if err != nil {
		return sio.Handshake{}, fmt.Errorf("realtime: handshake: %w", err)
	}
	hs, err := sio.DecodeHandshake(p)
	if err != nil {
		return sio.Handshake{}, fmt.Errorf("realtime: handshake: %w", err)
	}

	connect, err := sio.EncodeConnect(map[string]string{"token": token})
	if err != nil {
		return sio.Handshake{}, err
	}
	if err := conn.WriteMessage(connect); err != nil {
		return sio.Handshake{}, fmt.Errorf("realtime: send connect: %w", err)
	}

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			return sio.Handshake{}, fmt.Errorf("realtime: await connect: %w", err)
		}
		p, err := sio.Decode(frame)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		switch {
		case p.Engine == sio.EnginePing:
			_ = conn.WriteMessage(sio.EncodePong())
		case p.Engine == sio.EngineClose:
			return sio.Handshake{}, ErrClosed
		case p.Engine == sio.EngineMessage && p.Socket == sio.SocketConnect:
			return hs, nil
		case p.Engine == sio.EngineMessage && p.Socket == sio.SocketConnectError:
			return sio.Handshake{}, fmt.Errorf("realtime: connect rejected: %s", sio.ConnectError(p))
		}
	}
}

func (c *Channel) readLoop(conn Conn, hs sio.Handshake) error {
	deadline := hs.Deadline()
	for {
		if deadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: read: %w", err)
		}
		p, err := sio.Decode(frame)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		switch p.Engine {
		case sio.EnginePing:
			if err := conn.WriteMessage(sio.EncodePong()); err != nil {
				return fmt.Errorf("realtime: pong: %w", err)
			}
		case sio.EngineClose:
			return ErrClosed
		case sio.EngineMessage:
			switch p.Socket {
			case sio.SocketEvent:
				c.dispatch(p.Event, p.Data)
			case sio.SocketDisconnect:
				c.dispatch(EventDisconnect, nil)
			}
		}
	}
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug().Str("event", event).Msg("no handler")
		return
	}
	c.logger.Debug().Str("event", event).Msg("dispatching")
	h(data)
}

// backoff returns the delay before retry number attempt: exponential from
// the base delay with +/-50% jitter, never above the cap.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.delay
	for i := 0; i < attempt && d < c.delayMax; i++ {
		d *= 2
	}
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	d = time.Duration(float64(d) * jitter)
	return min(d, c.delayMax)
}
