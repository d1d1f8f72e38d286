//go:build linux
// +build linux

// Package seqrtmidi backs the sequencer contract with rtmidi virtual
// ports, which land on the ALSA sequencer graph on Linux.
package seqrtmidi

import (
	"fmt"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midicodec"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/seq"
)

func init() {
	seq.Register(newSequencer)
}

type sequencer struct {
	log logger.Logger
	drv *rtmididrv.Driver

	mu    sync.Mutex
	ports map[seq.Port]*virtualPort
	next  seq.Port
}

// virtualPort pairs an rtmidi virtual in (local clients play into us) with
// a virtual out (we play towards local clients) under one name.
type virtualPort struct {
	name string
	in   drivers.In
	out  drivers.Out
	send func(midi.Message) error
	stop func()

	onEvent       func(midievent.Event)
	onSubscribe   func(subscriberName string)
	onUnsubscribe func()
}

func newSequencer(opts *seq.Options) (seq.Sequencer, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("seqrtmidi: opening rtmidi driver: %w", err)
	}
	opts.Logger.Info("rtmidi sequencer backend ready",
		opts.Logger.Field().String("client", opts.ClientName))
	return &sequencer{
		log:   opts.Logger,
		drv:   drv,
		ports: make(map[seq.Port]*virtualPort),
	}, nil
}

func (s *sequencer) CreatePort(name string) (seq.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.drv.OpenVirtualIn(name)
	if err != nil {
		return 0, fmt.Errorf("seqrtmidi: virtual in %q: %w", name, err)
	}
	out, err := s.drv.OpenVirtualOut(name)
	if err != nil {
		in.Close()
		return 0, fmt.Errorf("seqrtmidi: virtual out %q: %w", name, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		in.Close()
		out.Close()
		return 0, fmt.Errorf("seqrtmidi: sender for %q: %w", name, err)
	}

	vp := &virtualPort{name: name, in: in, out: out, send: send}
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		s.deliver(vp, []byte(msg))
	}, midi.UseSysEx(), midi.UseActiveSense())
	if err != nil {
		in.Close()
		out.Close()
		return 0, fmt.Errorf("seqrtmidi: listener for %q: %w", name, err)
	}
	vp.stop = stop

	port := s.next
	s.next++
	s.ports[port] = vp
	s.log.Debug("virtual port created",
		s.log.Field().String("name", name),
		s.log.Field().Int("port", int(port)))
	return port, nil
}

// deliver decodes one raw message off the local graph and fans it to the
// registered handler.
func (s *sequencer) deliver(vp *virtualPort, raw []byte) {
	events, err := midicodec.Decode(buffer.NewReader(raw))
	if err != nil {
		s.log.Warn("undecodable local MIDI message",
			s.log.Field().String("port", vp.name),
			s.log.Field().Error("error", err))
	}
	s.mu.Lock()
	handler := vp.onEvent
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
	vp, ok := s.ports[port]
	if ok {
		delete(s.ports, port)
	}
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if vp.onUnsubscribe != nil {
		vp.onUnsubscribe()
	}
	vp.stop()
	vp.in.Close()
	vp.out.Close()
	return nil
}

// OnSubscribe fires the callback immediately: rtmidi has no subscription
// notifications, so a port counts as subscribed for as long as it exists.
func (s *sequencer) OnSubscribe(port seq.Port, fn func(subscriberName string)) error {
	s.mu.Lock()
	vp, ok := s.ports[port]
	if ok {
		vp.onSubscribe = fn
	}
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if fn != nil {
		fn(vp.name)
	}
	return nil
}

func (s *sequencer) OnUnsubscribe(port seq.Port, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	vp.onUnsubscribe = fn
	return nil
}

func (s *sequencer) OnEvent(port seq.Port, fn func(ev midievent.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	vp.onEvent = fn
	return nil
}

func (s *sequencer) Emit(port seq.Port, ev midievent.Event) error {
	s.mu.Lock()
	vp, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	buf := buffer.NewWriter(len(ev.Payload) + 8)
	if _, err := midicodec.Encode(buf, ev); err != nil {
		return err
	}
	return vp.send(midi.Message(buf.Bytes()))
}

func (s *sequencer) Close() error {
	s.mu.Lock()
	ports := s.ports
	s.ports = make(map[seq.Port]*virtualPort)
	s.mu.Unlock()
	for _, vp := range ports {
		vp.stop()
		vp.in.Close()
		vp.out.Close()
	}
	return s.drv.Close()
}
