//go:build darwin
// +build darwin

// Package seqdarwin backs the sequencer contract with CoreMIDI. CoreMIDI
// has no ALSA-style subscription graph, so each created port bridges the
// whole local MIDI system: inbound events are captured from every source
// and emitted events go to every destination.
package seqdarwin

import (
	"fmt"
	"sync"

	"github.com/youpy/go-coremidi"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midicodec"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/seq"
)

func init() {
	seq.Register(newSequencer)
}

type portConnection interface {
	Disconnect()
}

type sequencer struct {
	log    logger.Logger
	client coremidi.Client

	mu    sync.Mutex
	ports map[seq.Port]*bridgePort
	next  seq.Port
}

// bridgePort is one named input/output pair on the CoreMIDI client.
type bridgePort struct {
	name        string
	input       coremidi.InputPort
	output      coremidi.OutputPort
	connections []portConnection

	onEvent       func(midievent.Event)
	onUnsubscribe func()
}

func newSequencer(opts *seq.Options) (seq.Sequencer, error) {
	client, err := coremidi.NewClient(opts.ClientName)
	if err != nil {
		return nil, fmt.Errorf("seqdarwin: creating CoreMIDI client: %w", err)
	}
	opts.Logger.Info("CoreMIDI sequencer backend ready",
		opts.Logger.Field().String("client", opts.ClientName))
	return &sequencer{
		log:    opts.Logger,
		client: client,
		ports:  make(map[seq.Port]*bridgePort),
	}, nil
}

func (s *sequencer) CreatePort(name string) (seq.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bp := &bridgePort{name: name}
	input, err := coremidi.NewInputPort(s.client, name, func(source coremidi.Source, packet coremidi.Packet) {
		s.deliver(bp, packet.Data)
	})
	if err != nil {
		return 0, fmt.Errorf("seqdarwin: input port %q: %w", name, err)
	}
	bp.input = input

	output, err := coremidi.NewOutputPort(s.client, name)
	if err != nil {
		return 0, fmt.Errorf("seqdarwin: output port %q: %w", name, err)
	}
	bp.output = output

	sources, err := coremidi.AllSources()
	if err != nil {
		return 0, fmt.Errorf("seqdarwin: listing sources: %w", err)
	}
	for _, source := range sources {
		conn, err := bp.input.Connect(source)
		if err != nil {
			s.log.Warn("cannot capture from MIDI source",
				s.log.Field().String("source", source.Name()),
				s.log.Field().Error("error", err))
			continue
		}
		bp.connections = append(bp.connections, conn)
	}

	port := s.next
	s.next++
	s.ports[port] = bp
	s.log.Debug("bridge port created",
		s.log.Field().String("name", name),
		s.log.Field().Int("port", int(port)),
		s.log.Field().Int("sources", len(bp.connections)))
	return port, nil
}

func (s *sequencer) deliver(bp *bridgePort, raw []byte) {
	events, err := midicodec.Decode(buffer.NewReader(raw))
	if err != nil {
		s.log.Warn("undecodable local MIDI packet",
			s.log.Field().String("port", bp.name),
			s.log.Field().Error("error", err))
	}
	s.mu.Lock()
	handler := bp.onEvent
	s.mu.Unlock()
	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(ev)
	}
}

func (s *sequencer) RemovePort(port seq.Port) error {
	s.mu.Lock()
	bp, ok := s.ports[port]
	if ok {
		delete(s.ports, port)
	}
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if bp.onUnsubscribe != nil {
		bp.onUnsubscribe()
	}
	for _, conn := range bp.connections {
		conn.Disconnect()
	}
	return nil
}

// OnSubscribe fires immediately: CoreMIDI exposes no subscription
// notifications, so a port counts as subscribed while it exists.
func (s *sequencer) OnSubscribe(port seq.Port, fn func(subscriberName string)) error {
	s.mu.Lock()
	bp, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if fn != nil {
		fn(bp.name)
	}
	return nil
}

func (s *sequencer) OnUnsubscribe(port seq.Port, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	bp.onUnsubscribe = fn
	return nil
}

func (s *sequencer) OnEvent(port seq.Port, fn func(ev midievent.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	bp.onEvent = fn
	return nil
}

func (s *sequencer) Emit(port seq.Port, ev midievent.Event) error {
	s.mu.Lock()
	bp, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	buf := buffer.NewWriter(len(ev.Payload) + 8)
	if _, err := midicodec.Encode(buf, ev); err != nil {
		return err
	}
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return fmt.Errorf("seqdarwin: listing destinations: %w", err)
	}
	packet := coremidi.NewPacket(buf.Bytes())
	for i := range destinations {
		if err := packet.Send(&bp.output, &destinations[i]); err != nil {
			s.log.Warn("send to MIDI destination failed",
				s.log.Field().String("destination", destinations[i].Name()),
				s.log.Field().Error("error", err))
		}
	}
	return nil
}

func (s *sequencer) Close() error {
	s.mu.Lock()
	ports := s.ports
	s.ports = make(map[seq.Port]*bridgePort)
	s.mu.Unlock()
	for _, bp := range ports {
		for _, conn := range bp.connections {
			conn.Disconnect()
		}
	}
	return nil
}
