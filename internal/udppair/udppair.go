// Package udppair owns the two adjacent UDP sockets of an AppleMIDI
// endpoint: control on port P, MIDI on P+1. It reads datagrams off both
// sockets and hands them to the owner tagged with the originating port
// role; routing to a peer is the owner's job.
package udppair

import (
	"fmt"
	"net"
	"sync"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/rtperr"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
)

const (
	maxDatagramSize = 1500
	// How many ephemeral base ports to try before giving up on finding an
	// adjacent free pair.
	ephemeralAttempts = 16
)

// Receiver gets every inbound datagram with its port role and source
// address. It is called from the socket read goroutines; implementations
// serialize their own state.
type Receiver func(kind rtppeer.PortKind, src *net.UDPAddr, data []byte)

// Pair is a bound control/MIDI socket pair.
type Pair struct {
	control *net.UDPConn
	midi    *net.UDPConn
	log     logger.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the pair. A non-zero port is taken literally (port and
// port+1, both required); port 0 searches for a free adjacent pair, which
// is what clients and export servers use.
func Listen(log logger.Logger, port uint16) (*Pair, error) {
	if port != 0 {
		control, midi, err := bindAdjacent(int(port))
		if err != nil {
			return nil, err
		}
		return &Pair{control: control, midi: midi, log: log}, nil
	}

	for attempt := 0; attempt < ephemeralAttempts; attempt++ {
		control, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rtperr.ErrTransport, err)
		}
		base := control.LocalAddr().(*net.UDPAddr).Port
		midi, err := net.ListenUDP("udp", &net.UDPAddr{Port: base + 1})
		if err == nil {
			return &Pair{control: control, midi: midi, log: log}, nil
		}
		// The next port up was taken; release and try another base.
		control.Close()
	}
	return nil, fmt.Errorf("%w: no adjacent UDP port pair found after %d attempts",
		rtperr.ErrTransport, ephemeralAttempts)
}

func bindAdjacent(base int) (control, midi *net.UDPConn, err error) {
	control, err = net.ListenUDP("udp", &net.UDPAddr{Port: base})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: control port %d: %v", rtperr.ErrTransport, base, err)
	}
	midi, err = net.ListenUDP("udp", &net.UDPAddr{Port: base + 1})
	if err != nil {
		control.Close()
		return nil, nil, fmt.Errorf("%w: midi port %d: %v", rtperr.ErrTransport, base+1, err)
	}
	return control, midi, nil
}

// ControlPort returns the bound control port, the one mDNS announces.
func (p *Pair) ControlPort() uint16 {
	return uint16(p.control.LocalAddr().(*net.UDPAddr).Port)
}

// MidiPort returns the bound MIDI port, always ControlPort()+1.
func (p *Pair) MidiPort() uint16 {
	return uint16(p.midi.LocalAddr().(*net.UDPAddr).Port)
}

// Start launches the read loop of each socket. recv is invoked once per
// datagram until Close.
func (p *Pair) Start(recv Receiver) {
	p.wg.Add(2)
	go p.readLoop(p.control, rtppeer.ControlPort, recv)
	go p.readLoop(p.midi, rtppeer.MidiPort, recv)
}

func (p *Pair) readLoop(conn *net.UDPConn, kind rtppeer.PortKind, recv Receiver) {
	defer p.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Temporary errors are logged and reading continues; any
			// other error, a closed socket included, ends the loop.
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				p.log.Warn("transient UDP read error",
					p.log.Field().String("port", kind.String()),
					p.log.Field().Error("error", err))
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		recv(kind, src, data)
	}
}

// Send writes one datagram to dst on the socket of the given role. Sends
// are fire and forget; a full buffer or routing failure is logged and the
// datagram dropped.
func (p *Pair) Send(kind rtppeer.PortKind, dst *net.UDPAddr, payload []byte) {
	conn := p.control
	if kind == rtppeer.MidiPort {
		conn = p.midi
	}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		p.log.Warn("UDP send failed, dropping datagram",
			p.log.Field().String("port", kind.String()),
			p.log.Field().String("dst", dst.String()),
			p.log.Field().Error("error", err))
	}
}

// Close shuts both sockets and waits for the read loops to drain.
func (p *Pair) Close() {
	p.closeOnce.Do(func() {
		p.control.Close()
		p.midi.Close()
	})
	p.wg.Wait()
}
