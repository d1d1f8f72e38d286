// Package rtpserver accepts AppleMIDI sessions on a bound UDP pair. Every
// remote endpoint gets its own responder peer; inbound datagrams are routed
// to it by source address first and by learned SSRC when the remote sends
// from a port we have not seen yet.
package rtpserver

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
	"github.com/leandrodaf/rtpmidid/internal/udppair"
)

// Handlers are the server owner's hooks. PeerConnected fires when a remote
// completes the handshake, PeerClosed when its session ends, PeerMIDI for
// every decoded inbound packet. All three run with the server serialized;
// they must not call back into this server synchronously.
type Handlers struct {
	PeerConnected func(peer *rtppeer.Peer)
	PeerClosed    func(peer *rtppeer.Peer)
	PeerMIDI      func(peer *rtppeer.Peer, events []midievent.Event)
}

// Server listens for incoming sessions on one UDP pair.
type Server struct {
	name     string
	log      logger.Logger
	pair     *udppair.Pair
	handlers Handlers

	mu     sync.Mutex
	byAddr map[string]*remotePeer
	bySSRC map[uint32]*remotePeer
	closed bool
}

// remotePeer binds a responder peer to the addresses it talks back to. It
// is the peer's Sender and EventSink; both are only invoked while the
// server mutex is held.
type remotePeer struct {
	server      *Server
	peer        *rtppeer.Peer
	controlAddr *net.UDPAddr
	midiAddr    *net.UDPAddr
}

// New binds a server on the requested control port; 0 picks a free
// adjacent pair. The caller announces ControlPort over mDNS and calls
// Start to begin accepting.
func New(log logger.Logger, name string, port uint16, handlers Handlers) (*Server, error) {
	pair, err := udppair.Listen(log, port)
	if err != nil {
		return nil, err
	}
	s := &Server{
		name:     name,
		log:      log,
		pair:     pair,
		handlers: handlers,
		byAddr:   make(map[string]*remotePeer),
		bySSRC:   make(map[uint32]*remotePeer),
	}
	log.Info("session server listening",
		log.Field().String("name", name),
		log.Field().Uint16("control_port", s.ControlPort()))
	return s, nil
}

// ControlPort is the bound control port, the value published over mDNS.
func (s *Server) ControlPort() uint16 {
	return s.pair.ControlPort()
}

// Name returns the server's published session name.
func (s *Server) Name() string {
	return s.name
}

// Start begins reading datagrams and accepting peers.
func (s *Server) Start() {
	s.pair.Start(s.dataReady)
}

func (s *Server) dataReady(kind rtppeer.PortKind, src *net.UDPAddr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	rp := s.byAddr[src.String()]
	if rp == nil {
		rp = s.matchUnseenAddr(kind, src, data)
	}
	if rp == nil {
		if kind != rtppeer.ControlPort {
			s.log.Warn("datagram on MIDI port from unknown endpoint, dropping",
				s.log.Field().String("src", src.String()))
			return
		}
		rp = s.acceptPeer(src)
	}

	ssrcBefore := rp.peer.RemoteSSRC()
	rp.peer.DataReady(data, kind)
	if ssrc := rp.peer.RemoteSSRC(); ssrc != 0 && ssrc != ssrcBefore {
		s.bySSRC[ssrc] = rp
	}
}

// matchUnseenAddr maps a datagram from an address we have not indexed yet
// onto an existing peer: the remote's MIDI socket is normally its control
// port plus one, and failing that the frame's SSRC identifies it.
func (s *Server) matchUnseenAddr(kind rtppeer.PortKind, src *net.UDPAddr, data []byte) *remotePeer {
	if kind == rtppeer.MidiPort {
		adjacent := &net.UDPAddr{IP: src.IP, Port: src.Port - 1, Zone: src.Zone}
		if rp := s.byAddr[adjacent.String()]; rp != nil {
			rp.midiAddr = src
			s.byAddr[src.String()] = rp
			return rp
		}
	}
	if ssrc, ok := ssrcFromDatagram(data); ok {
		if rp := s.bySSRC[ssrc]; rp != nil {
			if kind == rtppeer.MidiPort {
				rp.midiAddr = src
			}
			s.byAddr[src.String()] = rp
			return rp
		}
	}
	return nil
}

// acceptPeer creates a responder peer for a new remote control endpoint.
func (s *Server) acceptPeer(src *net.UDPAddr) *remotePeer {
	rp := &remotePeer{server: s, controlAddr: src}
	rp.peer = rtppeer.New(rtppeer.Config{
		LocalName: s.name,
		Logger:    s.log,
		Sender:    rp,
		Sink:      rp,
	})
	s.byAddr[src.String()] = rp
	s.log.Info("new remote endpoint",
		s.log.Field().String("src", src.String()),
		s.log.Field().String("server", s.name))
	return rp
}

// Send implements rtppeer.Sender towards the peer's learned addresses.
// Until the remote's MIDI socket shows up, replies on the MIDI role go to
// the adjacent port convention.
func (rp *remotePeer) Send(kind rtppeer.PortKind, payload []byte) {
	dst := rp.controlAddr
	if kind == rtppeer.MidiPort {
		dst = rp.midiAddr
		if dst == nil {
			dst = &net.UDPAddr{IP: rp.controlAddr.IP, Port: rp.controlAddr.Port + 1, Zone: rp.controlAddr.Zone}
		}
	}
	rp.server.pair.Send(kind, dst, payload)
}

func (rp *remotePeer) Connected(remoteName string) {
	s := rp.server
	s.log.Info("remote session established",
		s.log.Field().String("remote", remoteName),
		s.log.Field().String("server", s.name))
	if s.handlers.PeerConnected != nil {
		s.handlers.PeerConnected(rp.peer)
	}
}

func (rp *remotePeer) Closed() {
	s := rp.server
	rp.dropLocked()
	if s.handlers.PeerClosed != nil {
		s.handlers.PeerClosed(rp.peer)
	}
}

func (rp *remotePeer) MIDIReceived(events []midievent.Event) {
	s := rp.server
	if s.handlers.PeerMIDI != nil {
		s.handlers.PeerMIDI(rp.peer, events)
	}
}

// dropLocked removes the peer from the routing tables. The server mutex is
// already held on every path that fires the peer's Closed hook.
func (rp *remotePeer) dropLocked() {
	s := rp.server
	delete(s.byAddr, rp.controlAddr.String())
	if rp.midiAddr != nil {
		delete(s.byAddr, rp.midiAddr.String())
	}
	if ssrc := rp.peer.RemoteSSRC(); ssrc != 0 {
		delete(s.bySSRC, ssrc)
	}
}

// SendMIDIToAllPeers fans the events out to every connected peer.
func (s *Server) SendMIDIToAllPeers(events ...midievent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*remotePeer]bool)
	for _, rp := range s.byAddr {
		if seen[rp] {
			continue
		}
		seen[rp] = true
		if rp.peer.Status() != rtppeer.Connected {
			continue
		}
		if err := rp.peer.SendMIDI(events...); err != nil {
			s.log.Warn("fan-out send failed",
				s.log.Field().String("remote", rp.peer.RemoteName()),
				s.log.Field().Error("error", err))
		}
	}
}

// ConnectedPeers returns how many sessions are currently established.
func (s *Server) ConnectedPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	seen := make(map[*remotePeer]bool)
	for _, rp := range s.byAddr {
		if !seen[rp] && rp.peer.Status() == rtppeer.Connected {
			n++
		}
		seen[rp] = true
	}
	return n
}

// Close says goodbye to every peer and releases the sockets.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	seen := make(map[*remotePeer]bool)
	for _, rp := range s.byAddr {
		if seen[rp] {
			continue
		}
		seen[rp] = true
		if rp.peer.Status() != rtppeer.NotConnected {
			rp.peer.SendGoodbye(rtppeer.ControlPort)
		}
	}
	s.byAddr = make(map[string]*remotePeer)
	s.bySSRC = make(map[uint32]*remotePeer)
	s.mu.Unlock()
	s.pair.Close()
}

// ssrcFromDatagram pulls the sender's SSRC out of a raw frame: exchange
// commands carry it after the token, clock and feedback frames right after
// the command, RTP packets at the fixed header offset.
func ssrcFromDatagram(data []byte) (uint32, bool) {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFF {
		if len(data) < 8 {
			return 0, false
		}
		switch binary.BigEndian.Uint16(data[2:4]) {
		case 0x434B, 0x5253: // CK, RS
			return binary.BigEndian.Uint32(data[4:8]), true
		default: // IN, OK, NO, BY
			if len(data) < 16 {
				return 0, false
			}
			return binary.BigEndian.Uint32(data[12:16]), true
		}
	}
	if len(data) >= 12 {
		return binary.BigEndian.Uint32(data[8:12]), true
	}
	return 0, false
}
