package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	mdnsDomain    = "local."
	queryInterval = 5 * time.Second
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// MDNS is a minimal multicast DNS client that browses PTR records and
// resolves SRV and A records. It implements both Browser and Resolver.
type MDNS struct {
	conn   net.PacketConn
	group  net.Addr
	logger zerolog.Logger

	mu       sync.Mutex
	srv      map[string]*dns.SRV // keyed by lower-cased instance FQDN
	addrs    map[string]net.IP   // keyed by lower-cased host FQDN
	browsers map[int]browseSub
	nextSub  int
	changed  chan struct{} // closed and replaced when records arrive

	done chan struct{}
}

type browseSub struct {
	service  string // FQDN, e.g. "_http._tcp.local."
	announce func(string)
}

// ListenMDNS joins the mDNS multicast group on all interfaces.
func ListenMDNS(logger *zerolog.Logger) (*MDNS, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return nil, fmt.Errorf("mdns: join %s: %w", mdnsGroup, err)
	}
	return newMDNS(conn, mdnsGroup, logger), nil
}

func newMDNS(conn net.PacketConn, group net.Addr, logger *zerolog.Logger) *MDNS {
	l := log.With().Str("module", "mdns").Logger()
	if logger != nil {
		l = logger.With().Str("component", "mdns").Logger()
	}
	m := &MDNS{
		conn:     conn,
		group:    group,
		logger:   l,
		srv:      make(map[string]*dns.SRV),
		addrs:    make(map[string]net.IP),
		browsers: make(map[int]browseSub),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Close leaves the multicast group and stops the reader.
func (m *MDNS) Close() error {
	err := m.conn.Close()
	<-m.done
	return err
}

// Browse sends PTR queries for serviceType every few seconds and reports each
// instance name seen in answers.
func (m *MDNS) Browse(ctx context.Context, serviceType string, announce func(string)) error {
	service := serviceFQDN(serviceType)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.browsers[id] = browseSub{service: service, announce: announce}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.browsers, id)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()
	for {
		if err := m.query(service, dns.TypePTR); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			m.logger.Warn().Err(err).Msg("browse query failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return net.ErrClosed
		case <-ticker.C:
		}
	}
}

// Resolve queries the SRV record of instance and the address of its target,
// waiting for answers until ctx is done.
func (m *MDNS) Resolve(ctx context.Context, instance, serviceType string) (Endpoint, error) {
	name := instanceFQDN(instance, serviceType)
	if err := m.query(name, dns.TypeSRV); err != nil {
		return Endpoint{}, fmt.Errorf("mdns: resolve %s: %w", instance, err)
	}
	askedA := ""
	for {
		m.mu.Lock()
		srv := m.srv[strings.ToLower(name)]
		var ip net.IP
		if srv != nil {
			ip = m.addrs[strings.ToLower(srv.Target)]
		}
		changed := m.changed
		m.mu.Unlock()

		if srv != nil && ip != nil {
			return Endpoint{Name: instance, Host: ip.String(), Port: int(srv.Port)}, nil
		}
		if srv != nil && askedA != srv.Target {
			askedA = srv.Target
			if err := m.query(srv.Target, dns.TypeA); err != nil {
				return Endpoint{}, fmt.Errorf("mdns: resolve %s: %w", srv.Target, err)
			}
		}

		select {
		case <-ctx.Done():
			return Endpoint{}, fmt.Errorf("mdns: resolve %s: %w", instance, ctx.Err())
		case <-m.done:
			return Endpoint{}, fmt.Errorf("mdns: resolve %s: %w", instance, net.ErrClosed)
		case <-changed:
		}
	}
}

func (m *MDNS) query(name string, qtype uint16) error {
	buf, err := packQuery(name, qtype)
	if err != nil {
		return err
	}
	_, err = m.conn.WriteTo(buf, m.group)
	return err
}

func (m *MDNS) readLoop() {
	defer close(m.done)
	buf := make([]byte, 9000)
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Warn().Err(err).Msg("mdns read failed")
			}
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			m.logger.Debug().Err(err).Msg("skipping malformed mdns packet")
			continue
		}
		m.ingest(msg)
	}
}

// ingest records SRV and A data from a response and reports PTR instances to
// matching browsers.
func (m *MDNS) ingest(msg *dns.Msg) {
	if !msg.Response {
		return
	}
	type hit struct {
		announce func(string)
		instance string
	}
	var hits []hit

	m.mu.Lock()
	updated := false
	for _, rr := range append(append([]dns.RR{}, msg.Answer...), msg.Extra...) {
		switch r := rr.(type) {
		case *dns.PTR:
			for _, sub := range m.browsers {
				if instance, ok := instanceName(r.Ptr, sub.service); ok && strings.EqualFold(r.Hdr.Name, sub.service) {
					hits = append(hits, hit{sub.announce, instance})
				}
			}
		case *dns.SRV:
			m.srv[strings.ToLower(r.Hdr.Name)] = r
			updated = true
		case *dns.A:
			m.addrs[strings.ToLower(r.Hdr.Name)] = r.A
			updated = true
		}
	}
	if updated {
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()

	for _, h := range hits {
		h.announce(h.instance)
	}
}

func packQuery(name string, qtype uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = 0
	msg.RecursionDesired = false
	buf, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("mdns: pack %s query for %s: %w", dns.TypeToString[qtype], name, err)
	}
	return buf, nil
}

func serviceFQDN(serviceType string) string {
	return dns.Fqdn(strings.TrimSuffix(serviceType, ".") + "." + mdnsDomain)
}

func instanceFQDN(instance, serviceType string) string {
	return escapeLabel(instance) + "." + serviceFQDN(serviceType)
}

// instanceName extracts the unescaped instance label from a PTR target such
// as "onloc\ (2)._http._tcp.local.".
func instanceName(ptr, service string) (string, bool) {
	suffix := "." + service
	if len(ptr) <= len(suffix) || !strings.EqualFold(ptr[len(ptr)-len(suffix):], suffix) {
		return "", false
	}
	return unescapeLabel(ptr[:len(ptr)-len(suffix)]), true
}

func escapeLabel(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `.`, `\.`, ` `, `\ `, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

func unescapeLabel(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
