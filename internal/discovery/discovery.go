// Package discovery browses and publishes AppleMIDI session endpoints
// over multicast DNS, service type _apple-midi._udp. The published port is
// always a session's control port.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/rtperr"
)

const (
	serviceType = "_apple-midi._udp"
	domain      = "local."
)

// Endpoint is one browsed remote session.
type Endpoint struct {
	Name    string
	Address string
	Port    uint16
}

// Handlers receive browse results. Discovered fires for every resolved
// instance; Removed fires when an instance announces a zero TTL goodbye.
// mDNS re-announcements repeat Discovered for the same endpoint, so the
// consumer deduplicates.
type Handlers struct {
	Discovered func(endpoint Endpoint)
	Removed    func(name string)
}

// MDNS wraps one zeroconf resolver and the set of records this daemon
// publishes.
type MDNS struct {
	log logger.Logger

	mu        sync.Mutex
	published map[string]*zeroconf.Server
	cancel    context.CancelFunc
}

// New creates the mDNS integration. Browse and Announce are independent;
// either can be used without the other.
func New(log logger.Logger) *MDNS {
	return &MDNS{
		log:       log,
		published: make(map[string]*zeroconf.Server),
	}
}

// Browse starts resolving remote sessions until ctx ends or Close is
// called. Handler callbacks run on the resolver goroutine.
func (m *MDNS) Browse(ctx context.Context, handlers Handlers) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("%w: creating mDNS resolver: %v", rtperr.ErrTransport, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	go func() {
		for entry := range entries {
			if entry == nil {
				continue
			}
			if entry.TTL == 0 {
				m.log.Info("remote session gone",
					m.log.Field().String("name", entry.Instance))
				if handlers.Removed != nil {
					handlers.Removed(entry.Instance)
				}
				continue
			}
			if len(entry.AddrIPv4) == 0 {
				m.log.Debug("discovered instance without IPv4 address, skipping",
					m.log.Field().String("name", entry.Instance))
				continue
			}
			endpoint := Endpoint{
				Name:    entry.Instance,
				Address: entry.AddrIPv4[0].String(),
				Port:    uint16(entry.Port),
			}
			m.log.Info("remote session discovered",
				m.log.Field().String("name", endpoint.Name),
				m.log.Field().String("address", endpoint.Address),
				m.log.Field().Uint16("port", endpoint.Port))
			if handlers.Discovered != nil {
				handlers.Discovered(endpoint)
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		cancel()
		return fmt.Errorf("%w: browsing %s: %v", rtperr.ErrTransport, serviceType, err)
	}
	return nil
}

// Announce publishes a session instance with its control port.
func (m *MDNS) Announce(name string, port uint16) error {
	server, err := zeroconf.Register(name, serviceType, domain, int(port), nil, nil)
	if err != nil {
		return fmt.Errorf("%w: announcing %q: %v", rtperr.ErrTransport, name, err)
	}
	m.mu.Lock()
	if old, ok := m.published[name]; ok {
		old.Shutdown()
	}
	m.published[name] = server
	m.mu.Unlock()
	m.log.Info("session announced",
		m.log.Field().String("name", name),
		m.log.Field().Uint16("port", port))
	return nil
}

// Unannounce withdraws a published instance.
func (m *MDNS) Unannounce(name string) {
	m.mu.Lock()
	server, ok := m.published[name]
	delete(m.published, name)
	m.mu.Unlock()
	if ok {
		server.Shutdown()
		m.log.Info("session unannounced",
			m.log.Field().String("name", name))
	}
}

// Close stops browsing and withdraws every published record.
func (m *MDNS) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	published := m.published
	m.published = make(map[string]*zeroconf.Server)
	m.mu.Unlock()
	for _, server := range published {
		server.Shutdown()
	}
}
