// Package rtppeer implements the state machine for a single AppleMIDI
// session with one remote endpoint: invitation handshake over the control
// and MIDI ports, clock synchronization, RTP sequence tracking and the
// encoding/decoding of MIDI payloads in and out of RTP packets.
//
// A peer never touches a socket. Outbound bytes go through the Sender
// strategy provided at construction and inbound datagrams are handed in via
// DataReady, which keeps the whole machine testable against an in-memory
// transport.
package rtppeer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midicodec"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/rtperr"
)

// PortKind distinguishes the two UDP channels of an AppleMIDI session.
type PortKind int

const (
	ControlPort PortKind = iota
	MidiPort
)

func (k PortKind) String() string {
	if k == MidiPort {
		return "midi"
	}
	return "control"
}

// Status is the connection state of a peer. It only moves forward through
// the handshake and drops back to NotConnected on any teardown.
type Status int

const (
	NotConnected Status = iota
	ControlConnected
	MidiConnected
	Connected
)

func (s Status) String() string {
	switch s {
	case ControlConnected:
		return "control-connected"
	case MidiConnected:
		return "midi-connected"
	case Connected:
		return "connected"
	default:
		return "not-connected"
	}
}

// AppleMIDI exchange command codes, the two ASCII bytes after the 0xFFFF
// signature read as a big-endian uint16.
const (
	commandIN = 0x494E // invitation
	commandOK = 0x4F4B // invitation accepted
	commandNO = 0x4E4F // invitation rejected
	commandBY = 0x4259 // goodbye
	commandCK = 0x434B // clock synchronization
	commandRS = 0x5253 // receiver feedback
)

const (
	protocolVersion = 2
	rtpFlags        = 0x80
	rtpPayloadMIDI  = 0x61

	commandSignature = 0xFFFF

	// Smallest valid exchange frame: receiver feedback with its 16-bit
	// sequence high-water mark.
	minFeedbackSize = 12

	sendBufferSize = 512
	// Outbound MIDI payloads are bounded; sysex above this is dropped.
	MaxPayloadSize = 128
)

// Sender is the outbound strategy wired in by the transport owner. Sends
// are fire and forget; delivery problems are the transport's to log.
type Sender interface {
	Send(kind PortKind, payload []byte)
}

// EventSink receives the peer's lifecycle and MIDI events. Connected fires
// when the handshake completes on both ports, Closed fires exactly once
// when the peer terminates for any reason, and MIDIReceived delivers the
// decoded events of each inbound RTP MIDI packet.
type EventSink interface {
	Connected(remoteName string)
	Closed()
	MIDIReceived(events []midievent.Event)
}

// Config carries the construction parameters of a peer. LocalSSRC and
// InitiatorToken default to fresh random values; Now defaults to the
// monotonic wall clock. Tests pin all three.
type Config struct {
	LocalName      string
	Logger         logger.Logger
	Sender         Sender
	Sink           EventSink
	LocalSSRC      uint32
	InitiatorToken uint32
	Now            func() time.Time
}

// Peer is one remote AppleMIDI session. Methods are not safe for
// concurrent use; the owner serializes receives, sends and timers.
type Peer struct {
	localName  string
	remoteName string

	localSSRC      uint32
	remoteSSRC     uint32
	initiatorToken uint32

	status Status
	// Per-port view of the handshake; Connected requires both.
	controlOK bool
	midiOK    bool

	seqNr       uint16
	remoteSeqNr uint16
	seqNrAck    uint16

	start        time.Time
	now          func() time.Time
	latencyTicks uint64

	log    logger.Logger
	sender Sender
	sink   EventSink
	closed bool
}

// New creates a peer in NotConnected. The same peer serves both roles: an
// initiator owner calls Connect, a responder owner just feeds DataReady.
func New(cfg Config) *Peer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LocalSSRC == 0 {
		cfg.LocalSSRC = rand.Uint32()
	}
	if cfg.InitiatorToken == 0 {
		cfg.InitiatorToken = rand.Uint32()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Peer{
		localName:      cfg.LocalName,
		localSSRC:      cfg.LocalSSRC,
		initiatorToken: cfg.InitiatorToken,
		status:         NotConnected,
		seqNr:          uint16(rand.Uint32()),
		start:          cfg.Now(),
		now:            cfg.Now,
		log:            cfg.Logger,
		sender:         cfg.Sender,
		sink:           cfg.Sink,
	}
}

// Status returns the current connection state.
func (p *Peer) Status() Status { return p.status }

// LocalName returns the name advertised to the remote side.
func (p *Peer) LocalName() string { return p.localName }

// RemoteName returns the name the remote side advertised, empty until the
// handshake exchanged it.
func (p *Peer) RemoteName() string { return p.remoteName }

// LocalSSRC returns this side's synchronization source identifier.
func (p *Peer) LocalSSRC() uint32 { return p.localSSRC }

// RemoteSSRC returns the remote synchronization source identifier, zero
// until learned from IN/OK.
func (p *Peer) RemoteSSRC() uint32 { return p.remoteSSRC }

// Latency returns half the measured round trip of the most recent CK
// exchange. Earlier rounds are not averaged in; each round replaces the
// previous value.
func (p *Peer) Latency() time.Duration {
	return time.Duration(p.latencyTicks) * 100 * time.Microsecond
}

// timestamp returns ticks of 100us since peer creation, the RTP-MIDI
// timestamp unit.
func (p *Peer) timestamp() uint64 {
	return uint64(p.now().Sub(p.start) / (100 * time.Microsecond))
}

// Connect starts the invitation on one port. The owner calls it with
// ControlPort; the peer itself follows up on the MIDI port when the control
// invitation is accepted.
func (p *Peer) Connect(kind PortKind) {
	w := newFrame(sendBufferSize)
	w.u16(commandSignature).u16(commandIN).
		u32(protocolVersion).u32(p.initiatorToken).u32(p.localSSRC).
		cstring(p.localName)
	p.sender.Send(kind, w.frame())
}

// DataReady dispatches one inbound datagram from the given port. Exchange
// frames (0xFFFF signature) are commands on either port; anything else is
// an RTP MIDI packet on the MIDI port or receiver feedback on the control
// port.
func (p *Peer) DataReady(data []byte, kind PortKind) {
	buf := buffer.NewReader(data)
	if isCommand(data) {
		if err := p.parseCommand(buf, kind); err != nil {
			p.log.Warn("dropping bad exchange frame",
				p.log.Field().String("port", kind.String()),
				p.log.Field().Error("error", err))
		}
		return
	}
	if kind == MidiPort {
		if err := p.parseMIDI(buf); err != nil {
			p.log.Warn("dropping bad MIDI packet",
				p.log.Field().Error("error", err))
		}
		return
	}
	// Control-port traffic without the exchange signature: nothing in the
	// protocol we speak, so drop it.
	p.log.Debug("unrecognized control-port packet",
		p.log.Field().Int("size", len(data)))
}

func isCommand(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xFF && data[1] == 0xFF
}

func (p *Peer) parseCommand(buf *buffer.Buffer, kind PortKind) error {
	if buf.Size() < minFeedbackSize {
		return fmt.Errorf("%w: exchange frame of %d bytes", rtperr.ErrMalformedFrame, buf.Size())
	}
	if _, err := buf.ReadUint16(); err != nil { // signature, checked already
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	command, err := buf.ReadUint16()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}

	switch command {
	case commandOK:
		return p.parseCommandOK(buf, kind)
	case commandIN:
		return p.parseCommandIN(buf, kind)
	case commandCK:
		return p.parseCommandCK(buf, kind)
	case commandBY:
		return p.parseCommandBY(buf, kind)
	case commandNO:
		return p.parseCommandNO(buf, kind)
	case commandRS:
		return p.parseFeedback(buf)
	default:
		return fmt.Errorf("%w: unknown command 0x%04X", rtperr.ErrMalformedFrame, command)
	}
}

type invitation struct {
	protocol uint32
	token    uint32
	ssrc     uint32
	name     string
}

func readInvitation(buf *buffer.Buffer) (invitation, error) {
	var in invitation
	var err error
	if in.protocol, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.token, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.ssrc, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.name, err = buf.ReadCString(); err != nil {
		// Some implementations omit the name on the MIDI port invitation.
		in.name = ""
	}
	return in, nil
}

// parseCommandOK handles the responder accepting our invitation. Control
// first, then the MIDI port, then the clock round starts.
func (p *Peer) parseCommandOK(buf *buffer.Buffer, kind PortKind) error {
	if p.status == Connected {
		p.log.Warn("already connected, ignoring OK",
			p.log.Field().String("remote", p.remoteName))
		return nil
	}
	in, err := readInvitation(buf)
	if err != nil {
		return err
	}
	if in.protocol != protocolVersion {
		p.terminate()
		return fmt.Errorf("%w: protocol version %d", rtperr.ErrProtocolViolation, in.protocol)
	}
	if in.token != p.initiatorToken {
		p.terminate()
		return fmt.Errorf("%w: OK echoes token 0x%08X, sent 0x%08X",
			rtperr.ErrProtocolViolation, in.token, p.initiatorToken)
	}
	if p.remoteSSRC != 0 && in.ssrc != p.remoteSSRC {
		p.terminate()
		return fmt.Errorf("%w: OK from ssrc 0x%08X, expected 0x%08X",
			rtperr.ErrProtocolViolation, in.ssrc, p.remoteSSRC)
	}

	p.remoteSSRC = in.ssrc
	if in.name != "" {
		p.remoteName = in.name
	}
	p.log.Info("invitation accepted",
		p.log.Field().String("remote", p.remoteName),
		p.log.Field().String("port", kind.String()),
		p.log.Field().Uint32("remote_ssrc", p.remoteSSRC))

	switch kind {
	case ControlPort:
		p.controlOK = true
		p.status = ControlConnected
		p.Connect(MidiPort)
	case MidiPort:
		p.midiOK = true
		p.status = MidiConnected
		p.SendClockSync()
	}
	return nil
}

// parseCommandIN handles an invitation when we are the responder. Both
// ports are accepted with OK; the initiator then drives the clock round.
func (p *Peer) parseCommandIN(buf *buffer.Buffer, kind PortKind) error {
	if p.status == Connected {
		p.log.Warn("already connected, ignoring IN",
			p.log.Field().String("remote", p.remoteName))
		return nil
	}
	in, err := readInvitation(buf)
	if err != nil {
		return err
	}
	if in.protocol != protocolVersion {
		p.terminate()
		return fmt.Errorf("%w: protocol version %d", rtperr.ErrProtocolViolation, in.protocol)
	}
	if p.status != NotConnected && in.token != p.initiatorToken {
		p.terminate()
		return fmt.Errorf("%w: second invitation with token 0x%08X, first had 0x%08X",
			rtperr.ErrProtocolViolation, in.token, p.initiatorToken)
	}
	if p.remoteSSRC != 0 && in.ssrc != p.remoteSSRC {
		p.terminate()
		return fmt.Errorf("%w: invitation from ssrc 0x%08X, expected 0x%08X",
			rtperr.ErrProtocolViolation, in.ssrc, p.remoteSSRC)
	}

	p.initiatorToken = in.token
	p.remoteSSRC = in.ssrc
	if in.name != "" {
		p.remoteName = in.name
	}
	p.log.Info("invitation received",
		p.log.Field().String("remote", p.remoteName),
		p.log.Field().String("port", kind.String()),
		p.log.Field().Uint32("remote_ssrc", p.remoteSSRC))

	// Record the accepted port before replying: the initiator's next step
	// can arrive from inside Send on a synchronous transport.
	switch kind {
	case ControlPort:
		p.controlOK = true
		p.status = ControlConnected
	case MidiPort:
		p.midiOK = true
		p.status = MidiConnected
	}

	resp := newFrame(sendBufferSize)
	resp.u16(commandSignature).u16(commandOK).
		u32(protocolVersion).u32(in.token).u32(p.localSSRC).
		cstring(p.localName)
	p.sender.Send(kind, resp.frame())
	return nil
}

// parseCommandBY tears the peer down on a remote goodbye.
func (p *Peer) parseCommandBY(buf *buffer.Buffer, kind PortKind) error {
	in, err := p.readTermination(buf)
	if err != nil {
		return err
	}
	if in.ssrc != p.remoteSSRC {
		p.log.Warn("goodbye from unknown ssrc, ignoring",
			p.log.Field().Uint32("ssrc", in.ssrc),
			p.log.Field().Uint32("remote_ssrc", p.remoteSSRC))
		return nil
	}
	p.log.Info("remote said goodbye",
		p.log.Field().String("remote", p.remoteName),
		p.log.Field().String("port", kind.String()))
	p.terminate()
	return nil
}

// parseCommandNO handles a rejected invitation. The transition is the same
// as a goodbye; the distinct command keeps the log useful when debugging a
// remote that refuses us.
func (p *Peer) parseCommandNO(buf *buffer.Buffer, kind PortKind) error {
	in, err := p.readTermination(buf)
	if err != nil {
		return err
	}
	p.log.Warn("invitation rejected",
		p.log.Field().String("remote", p.remoteName),
		p.log.Field().String("port", kind.String()),
		p.log.Field().Uint32("ssrc", in.ssrc))
	p.terminate()
	return nil
}

func (p *Peer) readTermination(buf *buffer.Buffer) (invitation, error) {
	var in invitation
	var err error
	if in.protocol, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.token, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.ssrc, err = buf.ReadUint32(); err != nil {
		return in, fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if in.protocol != protocolVersion {
		return in, fmt.Errorf("%w: protocol version %d", rtperr.ErrProtocolViolation, in.protocol)
	}
	return in, nil
}

// parseCommandCK runs one step of the three-way clock exchange. count 0 is
// answered with 1, count 1 with 2, count 2 closes the round. The latency
// estimate is half the measured round trip.
func (p *Peer) parseCommandCK(buf *buffer.Buffer, kind PortKind) error {
	if _, err := buf.ReadUint32(); err != nil { // remote ssrc
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	count, err := buf.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if _, err := buf.ReadBytes(3); err != nil { // padding
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	ts1, err := buf.ReadUint64()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	ts2, err := buf.ReadUint64()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if _, err := buf.ReadUint64(); err != nil { // ts3
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}

	switch count {
	case 0:
		// Remote started a round; echo its clock and add ours.
		p.sendCK(kind, 1, ts1, p.timestamp(), 0)
		p.becomeConnected()
	case 1:
		// Our round came back; the third message completes it for them.
		now := p.timestamp()
		p.latencyTicks = (now - ts1) / 2
		p.sendCK(kind, 2, ts1, ts2, now)
		p.log.Debug("clock sync complete",
			p.log.Field().String("remote", p.remoteName),
			p.log.Field().Duration("latency", p.Latency()))
		p.becomeConnected()
	case 2:
		p.latencyTicks = (p.timestamp() - ts2) / 2
		p.log.Debug("clock sync complete",
			p.log.Field().String("remote", p.remoteName),
			p.log.Field().Duration("latency", p.Latency()))
	default:
		p.log.Warn("clock sync with unexpected count, ignoring",
			p.log.Field().Uint8("count", count))
	}
	return nil
}

// becomeConnected promotes the peer once both ports completed the
// handshake and a clock round confirmed the MIDI path.
func (p *Peer) becomeConnected() {
	if p.status != MidiConnected || !p.controlOK || !p.midiOK {
		return
	}
	p.status = Connected
	p.log.Info("session established",
		p.log.Field().String("local", p.localName),
		p.log.Field().String("remote", p.remoteName))
	if p.sink != nil {
		p.sink.Connected(p.remoteName)
	}
}

func (p *Peer) sendCK(kind PortKind, count uint8, ts1, ts2, ts3 uint64) {
	w := newFrame(36)
	w.u16(commandSignature).u16(commandCK).
		u32(p.localSSRC).u8(count).bytes([]byte{0, 0, 0}).
		u64(ts1).u64(ts2).u64(ts3)
	p.sender.Send(kind, w.frame())
}

// SendClockSync starts a clock round on the MIDI port. The initiator calls
// it right after the MIDI port handshake and then on a periodic cadence to
// refresh the latency estimate.
func (p *Peer) SendClockSync() {
	p.sendCK(MidiPort, 0, p.timestamp(), 0, 0)
}

// parseFeedback reads a receiver report. With no journal there is nothing
// to retransmit, so only the acknowledged high-water mark is recorded.
// The caller already consumed the signature and command bytes.
func (p *Peer) parseFeedback(buf *buffer.Buffer) error {
	if _, err := buf.ReadUint32(); err != nil { // ssrc
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	ack, err := buf.ReadUint16()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	p.seqNrAck = ack
	p.log.Debug("receiver feedback",
		p.log.Field().Uint16("acked", ack),
		p.log.Field().Uint16("sent", p.seqNr))
	return nil
}

// parseMIDI handles an RTP MIDI packet: validates header and ssrc, records
// the remote sequence number, slices the MIDI command section out and
// delivers the decoded events. A journal section after the command list is
// skipped. Events decoded before a malformed tail are still delivered.
func (p *Peer) parseMIDI(buf *buffer.Buffer) error {
	if _, err := buf.ReadUint8(); err != nil { // RTP flags
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	payloadType, err := buf.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if payloadType != rtpPayloadMIDI {
		return fmt.Errorf("%w: RTP payload type 0x%02X is not MIDI", rtperr.ErrMalformedFrame, payloadType)
	}
	seq, err := buf.ReadUint16()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if _, err := buf.ReadUint32(); err != nil { // timestamp
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	ssrc, err := buf.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	if ssrc != p.remoteSSRC {
		return fmt.Errorf("%w: MIDI packet from ssrc 0x%08X, expected 0x%08X",
			rtperr.ErrProtocolViolation, ssrc, p.remoteSSRC)
	}
	p.remoteSeqNr = seq

	header, err := buf.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
	}
	length := int(header & 0x0F)
	if header&0x80 != 0 {
		// Long form: 12-bit length across two bytes.
		low, err := buf.ReadUint8()
		if err != nil {
			return fmt.Errorf("%w: %v", rtperr.ErrMalformedFrame, err)
		}
		length = int(header&0x0F)<<8 | int(low)
	}
	payload, err := buf.ReadBytes(length)
	if err != nil {
		return fmt.Errorf("%w: MIDI section claims %d bytes, %d available",
			rtperr.ErrMalformedFrame, length, buf.Remaining())
	}
	// Anything after the command section is the journal, which is not
	// consumed.

	events, err := midicodec.Decode(buffer.NewReader(payload))
	if err != nil {
		p.log.Warn("partial MIDI payload decode",
			p.log.Field().String("remote", p.remoteName),
			p.log.Field().Error("error", err))
	}
	if len(events) > 0 && p.sink != nil {
		p.sink.MIDIReceived(events)
	}
	return nil
}

// SendMIDI encodes the events and emits them as one RTP MIDI packet.
// Requires Connected. Sysex events too large for the payload bound are
// dropped with a warning; the rest of the batch still goes out.
func (p *Peer) SendMIDI(events ...midievent.Event) error {
	if p.status != Connected {
		return fmt.Errorf("%w: cannot send MIDI while %s", rtperr.ErrProtocolViolation, p.status)
	}

	payload := buffer.NewWriter(MaxPayloadSize)
	dropped, err := midicodec.Encode(payload, events...)
	if err != nil {
		return fmt.Errorf("%w: %v", rtperr.ErrCodecOverflow, err)
	}
	if dropped > 0 {
		p.log.Warn("sysex too large for outbound buffer, dropped",
			p.log.Field().Int("dropped", dropped))
	}
	midiBytes := payload.Bytes()
	if len(midiBytes) == 0 {
		return nil
	}

	w := newFrame(sendBufferSize)
	w.u8(rtpFlags).u8(rtpPayloadMIDI).
		u16(p.seqNr).u32(uint32(p.timestamp())).u32(p.localSSRC)
	if len(midiBytes) < 0x10 {
		w.u8(byte(len(midiBytes)))
	} else {
		w.u8(0x80 | byte(len(midiBytes)>>8)).u8(byte(len(midiBytes)))
	}
	w.bytes(midiBytes)

	p.sender.Send(MidiPort, w.frame())
	p.seqNr++
	return nil
}

// SendGoodbye announces teardown on one port and terminates the peer.
func (p *Peer) SendGoodbye(kind PortKind) {
	w := newFrame(64)
	w.u16(commandSignature).u16(commandBY).
		u32(protocolVersion).u32(p.initiatorToken).u32(p.localSSRC)
	p.sender.Send(kind, w.frame())
	p.terminate()
}

// Terminate drops the peer without sending anything, used by owners on
// transport failure or handshake timeout.
func (p *Peer) Terminate() {
	p.terminate()
}

func (p *Peer) terminate() {
	p.status = NotConnected
	p.controlOK = false
	p.midiOK = false
	if p.closed {
		return
	}
	p.closed = true
	if p.sink != nil {
		p.sink.Closed()
	}
}
