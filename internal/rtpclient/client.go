// Package rtpclient drives the initiator side of an AppleMIDI session: it
// opens an ephemeral UDP pair towards a remote endpoint, runs the peer
// handshake with a timeout, and keeps the latency estimate fresh with a
// periodic clock round while connected.
package rtpclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/rtperr"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
	"github.com/leandrodaf/rtpmidid/internal/udppair"
)

const (
	// HandshakeTimeout bounds the whole IN/OK/CK exchange.
	HandshakeTimeout = 5 * time.Second
	// ClockSyncInterval is the cadence of latency-refreshing CK rounds
	// once connected.
	ClockSyncInterval = 60 * time.Second
)

// Client owns one outgoing session: the socket pair, the peer state
// machine, and its timers.
type Client struct {
	name string
	log  logger.Logger

	pair          *udppair.Pair
	peer          *rtppeer.Peer
	remoteControl *net.UDPAddr
	remoteMidi    *net.UDPAddr

	sink rtppeer.EventSink

	mu             sync.Mutex
	handshakeTimer *time.Timer
	ckStop         chan struct{}
	closed         bool
}

// Connect resolves the remote endpoint, binds an ephemeral local pair and
// starts the handshake. The sink receives Connected/Closed/MIDIReceived as
// the session progresses; sink callbacks run with the client serialized, so
// they must not call back into this client synchronously.
func Connect(log logger.Logger, localName, host string, port uint16, sink rtppeer.EventSink) (*Client, error) {
	remoteControl, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", rtperr.ErrTransport, host, err)
	}
	remoteMidi := &net.UDPAddr{IP: remoteControl.IP, Port: remoteControl.Port + 1, Zone: remoteControl.Zone}

	pair, err := udppair.Listen(log, 0)
	if err != nil {
		return nil, err
	}

	c := &Client{
		name:          localName,
		log:           log,
		pair:          pair,
		remoteControl: remoteControl,
		remoteMidi:    remoteMidi,
		sink:          sink,
	}
	c.peer = rtppeer.New(rtppeer.Config{
		LocalName: localName,
		Logger:    log,
		Sender:    (*clientSender)(c),
		Sink:      (*clientSink)(c),
	})

	log.Info("connecting to remote session",
		log.Field().String("name", localName),
		log.Field().String("remote", remoteControl.String()))

	pair.Start(c.dataReady)

	c.mu.Lock()
	c.handshakeTimer = time.AfterFunc(HandshakeTimeout, c.handshakeTimedOut)
	c.peer.Connect(rtppeer.ControlPort)
	c.mu.Unlock()

	return c, nil
}

// clientSender routes the peer's outbound bytes to the remote address of
// the matching port role.
type clientSender Client

func (s *clientSender) Send(kind rtppeer.PortKind, payload []byte) {
	c := (*Client)(s)
	dst := c.remoteControl
	if kind == rtppeer.MidiPort {
		dst = c.remoteMidi
	}
	c.pair.Send(kind, dst, payload)
}

// clientSink hooks the peer lifecycle to the client's timers before
// forwarding to the owner.
type clientSink Client

func (s *clientSink) Connected(remoteName string) {
	c := (*Client)(s)
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.ckStop = make(chan struct{})
	go c.clockSyncLoop(c.ckStop)
	if c.sink != nil {
		c.sink.Connected(remoteName)
	}
}

func (s *clientSink) Closed() {
	c := (*Client)(s)
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	if c.ckStop != nil {
		close(c.ckStop)
		c.ckStop = nil
	}
	if c.sink != nil {
		c.sink.Closed()
	}
}

func (s *clientSink) MIDIReceived(events []midievent.Event) {
	c := (*Client)(s)
	if c.sink != nil {
		c.sink.MIDIReceived(events)
	}
}

func (c *Client) dataReady(kind rtppeer.PortKind, src *net.UDPAddr, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.peer.DataReady(data, kind)
}

func (c *Client) handshakeTimedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.peer.Status() == rtppeer.Connected {
		return
	}
	c.log.Warn("handshake timed out",
		c.log.Field().String("remote", c.remoteControl.String()),
		c.log.Field().Duration("timeout", HandshakeTimeout))
	c.peer.Terminate()
}

func (c *Client) clockSyncLoop(stop chan struct{}) {
	ticker := time.NewTicker(ClockSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.closed && c.peer.Status() == rtppeer.Connected {
				c.peer.SendClockSync()
			}
			c.mu.Unlock()
		}
	}
}

// SendMIDI emits the events towards the remote peer. Events sent before
// the handshake completes are rejected.
func (c *Client) SendMIDI(events ...midievent.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client closed", rtperr.ErrTransport)
	}
	return c.peer.SendMIDI(events...)
}

// Status reports the peer's connection state.
func (c *Client) Status() rtppeer.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.Status()
}

// Latency reports the peer's last clock-sync estimate.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.Latency()
}

// RemoteName reports the name the remote side advertised.
func (c *Client) RemoteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.RemoteName()
}

// Close says goodbye if the session is up and releases the sockets. Safe
// to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.peer.Status() != rtppeer.NotConnected {
		c.peer.SendGoodbye(rtppeer.ControlPort)
	} else {
		c.peer.Terminate()
	}
	c.mu.Unlock()
	c.pair.Close()
}
