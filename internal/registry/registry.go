// Package registry coordinates the daemon: it pairs discovered remote
// sessions with local virtual MIDI ports, exports local ports as sessions
// of their own, and routes MIDI events between the local sequencer and the
// remote peers.
//
// Lock discipline: the registry mutex is never held while calling into a
// client, a server or the sequencer backend, because those call back into
// the registry from their own goroutines.
package registry

import (
	"fmt"
	"sync"

	"github.com/leandrodaf/rtpmidid/internal/config"
	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/rtpclient"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
	"github.com/leandrodaf/rtpmidid/internal/rtpserver"
	"github.com/leandrodaf/rtpmidid/internal/seq"
)

// Announcer is the slice of the mDNS integration the registry needs to
// publish its servers.
type Announcer interface {
	Announce(name string, port uint16) error
	Unannounce(name string)
}

// clientInfo tracks one discovered (or configured) remote session and the
// local port exposing it. The session itself only exists while local
// subscribers hold the port.
type clientInfo struct {
	name    string
	address string
	port    uint16

	seqPort  seq.Port
	useCount int
	client   *rtpclient.Client
}

// serverConn tracks one remote endpoint connected to an import server and
// the local port created for it.
type serverConn struct {
	remoteName string
	peer       *rtppeer.Peer
	server     *rtpserver.Server
}

// Registry is the daemon's top-level coordinator.
type Registry struct {
	name string
	log  logger.Logger
	seq  seq.Sequencer
	mdns Announcer

	mu sync.Mutex
	// knownClients: local port -> discovered remote endpoint.
	knownClients map[seq.Port]*clientInfo
	// serverConns: local port -> remote endpoint connected to one of our
	// import servers.
	serverConns map[seq.Port]*serverConn
	// exportServers: local subscriber name -> session exporting that
	// subscriber's MIDI, all hanging off the shared "Network" port.
	exportServers map[string]*rtpserver.Server

	importServers []*rtpserver.Server
	networkPort   seq.Port
	closed        bool
}

// Config carries the registry's collaborators.
type Config struct {
	Name      string
	Logger    logger.Logger
	Sequencer seq.Sequencer
	Announcer Announcer
}

// New builds the registry and creates the shared "Network" port that local
// clients subscribe to for exporting their MIDI as a session.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		name:          cfg.Name,
		log:           cfg.Logger,
		seq:           cfg.Sequencer,
		mdns:          cfg.Announcer,
		knownClients:  make(map[seq.Port]*clientInfo),
		serverConns:   make(map[seq.Port]*serverConn),
		exportServers: make(map[string]*rtpserver.Server),
	}

	port, err := r.seq.CreatePort("Network")
	if err != nil {
		return nil, fmt.Errorf("creating Network port: %w", err)
	}
	r.networkPort = port
	if err := r.seq.OnEvent(port, r.onNetworkMIDI); err != nil {
		return nil, err
	}
	if err := r.seq.OnUnsubscribe(port, r.onNetworkUnsubscribe); err != nil {
		return nil, err
	}
	// Registered last: subscription-blind backends fire it immediately.
	if err := r.seq.OnSubscribe(port, r.onNetworkSubscribe); err != nil {
		return nil, err
	}
	return r, nil
}

// StartServers opens one import server per configured control port and
// publishes each over mDNS.
func (r *Registry) StartServers(ports []uint16) error {
	for _, port := range ports {
		var server *rtpserver.Server
		server, err := rtpserver.New(r.log, r.name, port, rtpserver.Handlers{
			PeerConnected: func(peer *rtppeer.Peer) { r.onServerPeerConnected(server, peer) },
			PeerMIDI:      r.onServerPeerMIDI,
			PeerClosed:    r.onServerPeerClosed,
		})
		if err != nil {
			return err
		}
		server.Start()
		r.mu.Lock()
		r.importServers = append(r.importServers, server)
		r.mu.Unlock()
		if err := r.mdns.Announce(r.name, server.ControlPort()); err != nil {
			r.log.Warn("cannot announce server",
				r.log.Field().String("name", r.name),
				r.log.Field().Error("error", err))
		}
	}
	return nil
}

// ConnectTo registers the statically configured targets as if they had
// been discovered.
func (r *Registry) ConnectTo(targets []config.Target) {
	for _, target := range targets {
		r.AddClient(target.Name, target.Host, target.Port)
	}
}

// OnDiscovery is the mDNS browse hook.
func (r *Registry) OnDiscovery(name, address string, port uint16) {
	r.AddClient(name, address, port)
}

// OnRemove is the mDNS removal hook. Instances are matched by name: the
// removal record carries nothing else.
func (r *Registry) OnRemove(name string) {
	r.mu.Lock()
	var match *clientInfo
	for _, info := range r.knownClients {
		if info.name == name {
			match = info
			break
		}
	}
	r.mu.Unlock()
	if match == nil {
		r.log.Debug("removal for unknown session",
			r.log.Field().String("name", name))
		return
	}
	r.RemoveClient(match.seqPort)
}

// AddClient exposes a remote session as a local port. Duplicate
// announcements of the same address:port are ignored, so mDNS re-announces
// never create a second peer.
func (r *Registry) AddClient(name, address string, port uint16) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, info := range r.knownClients {
		if info.address == address && info.port == port {
			r.mu.Unlock()
			r.log.Debug("endpoint already known, likely an mDNS re-announce",
				r.log.Field().String("address", address),
				r.log.Field().Uint16("port", port))
			return
		}
	}
	r.mu.Unlock()

	seqPort, err := r.seq.CreatePort(name)
	if err != nil {
		r.log.Error("cannot create local port for remote session",
			r.log.Field().String("name", name),
			r.log.Field().Error("error", err))
		return
	}

	r.mu.Lock()
	r.knownClients[seqPort] = &clientInfo{
		name:    name,
		address: address,
		port:    port,
		seqPort: seqPort,
	}
	r.mu.Unlock()

	r.log.Info("local port ready for remote session",
		r.log.Field().Int("port", int(seqPort)),
		r.log.Field().String("name", name),
		r.log.Field().String("address", address),
		r.log.Field().Uint16("remote_port", port))

	r.seq.OnEvent(seqPort, func(ev midievent.Event) { r.onClientLocalMIDI(seqPort, ev) })
	r.seq.OnUnsubscribe(seqPort, func() { r.onClientUnsubscribe(seqPort) })
	// Registered last: subscription-blind backends fire it immediately,
	// connecting the session right away.
	r.seq.OnSubscribe(seqPort, func(string) { r.onClientSubscribe(seqPort) })
}

// RemoveClient tears down the client behind a local port and the port
// itself.
func (r *Registry) RemoveClient(port seq.Port) {
	r.mu.Lock()
	info, ok := r.knownClients[port]
	if ok {
		delete(r.knownClients, port)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if info.client != nil {
		info.client.Close()
	}
	r.seq.RemovePort(port)
	r.log.Info("remote session removed",
		r.log.Field().String("name", info.name))
}

// onClientSubscribe connects the session on first local use.
func (r *Registry) onClientSubscribe(port seq.Port) {
	r.mu.Lock()
	info, ok := r.knownClients[port]
	if !ok {
		r.mu.Unlock()
		return
	}
	info.useCount++
	if info.client != nil {
		r.mu.Unlock()
		r.log.Debug("already connected",
			r.log.Field().String("name", info.name))
		return
	}
	name, address, remotePort := info.name, info.address, info.port
	r.mu.Unlock()

	client, err := rtpclient.Connect(r.log, r.name, address, remotePort, &clientSink{registry: r, port: port})
	if err != nil {
		r.log.Error("cannot connect to remote session",
			r.log.Field().String("name", name),
			r.log.Field().Error("error", err))
		r.mu.Lock()
		info.useCount--
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	info.client = client
	r.mu.Unlock()
}

// onClientUnsubscribe releases the session when the last local subscriber
// leaves.
func (r *Registry) onClientUnsubscribe(port seq.Port) {
	r.mu.Lock()
	info, ok := r.knownClients[port]
	var client *rtpclient.Client
	if ok {
		info.useCount--
		if info.useCount <= 0 && info.client != nil {
			client = info.client
			info.client = nil
		}
	}
	r.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// onClientLocalMIDI forwards events played into a client port to its
// remote session.
func (r *Registry) onClientLocalMIDI(port seq.Port, ev midievent.Event) {
	r.mu.Lock()
	info, ok := r.knownClients[port]
	var client *rtpclient.Client
	if ok {
		client = info.client
	}
	r.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.SendMIDI(ev); err != nil {
		r.log.Warn("cannot forward local MIDI to remote session",
			r.log.Field().String("name", info.name),
			r.log.Field().Error("error", err))
	}
}

// clientSink receives one client's session events for the registry.
type clientSink struct {
	registry *Registry
	port     seq.Port
}

func (s *clientSink) Connected(remoteName string) {
	s.registry.log.Info("session connected",
		s.registry.log.Field().String("remote", remoteName))
}

func (s *clientSink) Closed() {
	r := s.registry
	r.mu.Lock()
	info, ok := r.knownClients[s.port]
	if ok {
		// The session ended remotely; the local port stays so a new local
		// subscription can reconnect.
		info.client = nil
		info.useCount = 0
	}
	r.mu.Unlock()
}

func (s *clientSink) MIDIReceived(events []midievent.Event) {
	r := s.registry
	for _, ev := range events {
		if err := r.seq.Emit(s.port, ev); err != nil {
			r.log.Warn("cannot inject remote MIDI into local port",
				r.log.Field().Int("port", int(s.port)),
				r.log.Field().Error("error", err))
			return
		}
	}
}

// onServerPeerConnected mirrors a remote endpoint that connected to one of
// our import servers as a local port named after it.
func (r *Registry) onServerPeerConnected(server *rtpserver.Server, peer *rtppeer.Peer) {
	seqPort, err := r.seq.CreatePort(peer.RemoteName())
	if err != nil {
		r.log.Error("cannot create local port for remote endpoint",
			r.log.Field().String("remote", peer.RemoteName()),
			r.log.Field().Error("error", err))
		return
	}
	r.mu.Lock()
	r.serverConns[seqPort] = &serverConn{
		remoteName: peer.RemoteName(),
		peer:       peer,
		server:     server,
	}
	r.mu.Unlock()
	r.seq.OnEvent(seqPort, func(ev midievent.Event) { r.onServerLocalMIDI(seqPort, ev) })
	r.log.Info("remote endpoint mirrored as local port",
		r.log.Field().String("remote", peer.RemoteName()),
		r.log.Field().Int("port", int(seqPort)))
}

func (r *Registry) onServerPeerMIDI(peer *rtppeer.Peer, events []midievent.Event) {
	r.mu.Lock()
	var port seq.Port
	found := false
	for p, conn := range r.serverConns {
		if conn.peer == peer {
			port, found = p, true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return
	}
	for _, ev := range events {
		if err := r.seq.Emit(port, ev); err != nil {
			r.log.Warn("cannot inject remote MIDI into local port",
				r.log.Field().Int("port", int(port)),
				r.log.Field().Error("error", err))
			return
		}
	}
}

func (r *Registry) onServerPeerClosed(peer *rtppeer.Peer) {
	r.mu.Lock()
	var port seq.Port
	found := false
	for p, conn := range r.serverConns {
		if conn.peer == peer {
			port, found = p, true
			break
		}
	}
	if found {
		delete(r.serverConns, port)
	}
	r.mu.Unlock()
	if !found {
		return
	}
	// RemovePort must run outside the lock: the backend fires callbacks
	// synchronously.
	go r.seq.RemovePort(port)
	r.log.Info("remote endpoint gone, local port withdrawn",
		r.log.Field().String("remote", peer.RemoteName()),
		r.log.Field().Int("port", int(port)))
}

// onServerLocalMIDI forwards events played into a mirrored port to the
// remote endpoint behind it.
func (r *Registry) onServerLocalMIDI(port seq.Port, ev midievent.Event) {
	r.mu.Lock()
	conn, ok := r.serverConns[port]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("local MIDI for a port whose peer is gone",
			r.log.Field().Int("port", int(port)))
		return
	}
	if err := conn.peer.SendMIDI(ev); err != nil {
		r.log.Warn("cannot forward local MIDI to remote endpoint",
			r.log.Field().String("remote", conn.remoteName),
			r.log.Field().Error("error", err))
	}
}

// onNetworkSubscribe exports a local subscriber of the "Network" port as
// its own announced session.
func (r *Registry) onNetworkSubscribe(subscriberName string) {
	name := fmt.Sprintf("%s/%s", r.name, subscriberName)
	server, err := rtpserver.New(r.log, name, 0, rtpserver.Handlers{
		PeerMIDI: func(peer *rtppeer.Peer, events []midievent.Event) {
			r.onNetworkPeerMIDI(events)
		},
	})
	if err != nil {
		r.log.Error("cannot create export server",
			r.log.Field().String("name", name),
			r.log.Field().Error("error", err))
		return
	}
	server.Start()

	r.mu.Lock()
	if old := r.exportServers[subscriberName]; old != nil {
		defer old.Close()
	}
	r.exportServers[subscriberName] = server
	r.mu.Unlock()

	if err := r.mdns.Announce(name, server.ControlPort()); err != nil {
		r.log.Warn("cannot announce export server",
			r.log.Field().String("name", name),
			r.log.Field().Error("error", err))
	}
}

// onNetworkUnsubscribe withdraws every exported session; the shared port
// has lost its local side.
func (r *Registry) onNetworkUnsubscribe() {
	r.mu.Lock()
	servers := r.exportServers
	r.exportServers = make(map[string]*rtpserver.Server)
	r.mu.Unlock()
	for _, server := range servers {
		r.mdns.Unannounce(server.Name())
		server.Close()
	}
}

// onNetworkMIDI fans events played into the "Network" port out to every
// peer of every exported session.
func (r *Registry) onNetworkMIDI(ev midievent.Event) {
	r.mu.Lock()
	servers := make([]*rtpserver.Server, 0, len(r.exportServers))
	for _, server := range r.exportServers {
		servers = append(servers, server)
	}
	r.mu.Unlock()
	for _, server := range servers {
		server.SendMIDIToAllPeers(ev)
	}
}

// onNetworkPeerMIDI injects events from exported sessions' peers into the
// shared port.
func (r *Registry) onNetworkPeerMIDI(events []midievent.Event) {
	for _, ev := range events {
		if err := r.seq.Emit(r.networkPort, ev); err != nil {
			r.log.Warn("cannot inject remote MIDI into Network port",
				r.log.Field().Error("error", err))
			return
		}
	}
}

// Close tears everything down: clients, servers, announcements and local
// ports.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*clientInfo, 0, len(r.knownClients))
	for _, info := range r.knownClients {
		clients = append(clients, info)
	}
	r.knownClients = make(map[seq.Port]*clientInfo)
	conns := make([]seq.Port, 0, len(r.serverConns))
	for port := range r.serverConns {
		conns = append(conns, port)
	}
	r.serverConns = make(map[seq.Port]*serverConn)
	importServers := r.importServers
	r.importServers = nil
	exportServers := r.exportServers
	r.exportServers = make(map[string]*rtpserver.Server)
	r.mu.Unlock()

	for _, info := range clients {
		if info.client != nil {
			info.client.Close()
		}
		r.seq.RemovePort(info.seqPort)
	}
	for _, port := range conns {
		r.seq.RemovePort(port)
	}
	for _, server := range importServers {
		r.mdns.Unannounce(server.Name())
		server.Close()
	}
	for _, server := range exportServers {
		r.mdns.Unannounce(server.Name())
		server.Close()
	}
	r.seq.RemovePort(r.networkPort)
}
