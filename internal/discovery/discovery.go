// Package discovery finds Onloc servers advertised over multicast DNS on the
// local network segment.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Endpoint is a resolved server address.
type Endpoint struct {
	Name string
	Host string
	Port int
}

// URL returns the http base URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Browser reports service instance names advertised for a service type. It
// blocks until ctx is done.
type Browser interface {
	Browse(ctx context.Context, serviceType string, announce func(instance string)) error
}

// Resolver turns a service instance into an endpoint.
type Resolver interface {
	Resolve(ctx context.Context, instance, serviceType string) (Endpoint, error)
}

// Opts holds parameters for creating a Discovery.
type Opts struct {
	ServiceType    string // default "_http._tcp"
	ServiceName    string // default "onloc"
	Browser        Browser
	Resolver       Resolver
	Found          func(Endpoint)
	ResolveTimeout time.Duration // default 5s
	Logger         *zerolog.Logger
}

// Discovery browses for servers and resolves matching announcements one at a
// time, in the order they were seen.
type Discovery struct {
	serviceType    string
	serviceName    string
	found          func(Endpoint)
	resolveTimeout time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	browser  Browser
	resolver Resolver
	closer   io.Closer // owned mDNS socket, nil for injected browsers
	running  bool
	cancel   context.CancelFunc
	seen     map[string]bool
	queue    []string
	busy     bool
	wg       sync.WaitGroup
}

// New creates a Discovery. Found is required.
func New(opts Opts) (*Discovery, error) {
	if opts.Found == nil {
		return nil, fmt.Errorf("discovery: found callback is required")
	}
	if (opts.Browser == nil) != (opts.Resolver == nil) {
		return nil, fmt.Errorf("discovery: browser and resolver must be set together")
	}
	if opts.ServiceType == "" {
		opts.ServiceType = "_http._tcp"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "onloc"
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 5 * time.Second
	}
	logger := log.With().Str("module", "discovery").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Discovery{
		serviceType:    opts.ServiceType,
		serviceName:    opts.ServiceName,
		found:          opts.Found,
		resolveTimeout: opts.ResolveTimeout,
		logger:         logger,
		browser:        opts.Browser,
		resolver:       opts.Resolver,
	}, nil
}

// Start joins the multicast group and begins browsing. Calling Start while
// running is a no-op.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	browser, resolver := d.browser, d.resolver
	if browser == nil {
		m, err := ListenMDNS(&d.logger)
		if err != nil {
			return fmt.Errorf("discovery: start: %w", err)
		}
		browser, resolver, d.closer = m, m, m
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.seen = make(map[string]bool)
	d.queue = nil

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info().Str("service_type", d.serviceType).Str("service_name", d.serviceName).Msg("discovery started")
		err := browser.Browse(ctx, d.serviceType, func(instance string) {
			d.announce(ctx, resolver, instance)
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("browse failed")
		}
	}()
	return nil
}

// Stop cancels browsing and any in-flight resolution, drops the queue and
// releases the multicast socket. It is safe to call in any state.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.queue = nil
	cancel, closer := d.cancel, d.closer
	d.cancel, d.closer = nil, nil
	d.mu.Unlock()

	cancel()
	if closer != nil {
		if err := closer.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close mdns socket")
		}
	}
	d.wg.Wait()
	d.logger.Info().Msg("discovery stopped")
}

// Running reports whether discovery is active.
func (d *Discovery) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// matches reports whether an instance name belongs to the wanted service.
// mDNS conflict resolution renames duplicates to "name (2)", "name (3)".
func (d *Discovery) matches(instance string) bool {
	if instance == d.serviceName {
		return true
	}
	rest, ok := strings.CutPrefix(instance, d.serviceName+" (")
	if !ok || !strings.HasSuffix(rest, ")") {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSuffix(rest, ")"))
	return err == nil
}

func (d *Discovery) announce(ctx context.Context, resolver Resolver, instance string) {
	if !d.matches(instance) {
		d.logger.Debug().Str("instance", instance).Msg("ignoring service")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.seen[instance] {
		return
	}
	d.seen[instance] = true
	d.queue = append(d.queue, instance)
	d.logger.Debug().Str("instance", instance).Int("queued", len(d.queue)).Msg("service queued for resolution")
	if !d.busy {
		d.busy = true
		d.wg.Add(1)
		go d.drain(ctx, resolver)
	}
}

// drain resolves queued instances one at a time until the queue is empty.
func (d *Discovery) drain(ctx context.Context, resolver Resolver) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || !d.running {
			d.busy = false
			d.mu.Unlock()
			return
		}
		instance := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, d.resolveTimeout)
		ep, err := resolver.Resolve(rctx, instance, d.serviceType)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn().Err(err).Str("instance", instance).Msg("resolve failed, dropping candidate")
			}
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		d.logger.Info().Str("instance", instance).Str("url", ep.URL()).Msg("server found")
		d.found(ep)
	}
}
