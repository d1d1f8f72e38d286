//go:build windows
// +build windows

// Package seqwindows backs the sequencer contract with the winmm MIDI API.
// Windows has no virtual-port graph, so the backend bridges the machine's
// MIDI hardware: every input device is captured and emitted events go to
// the default MIDI mapper output.
package seqwindows

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/seq"
)

func init() {
	seq.Register(newSequencer)
}

type hMidiIn windows.Handle
type hMidiOut windows.Handle

const (
	callbackFunction = 0x00030000
	midiIOStatus     = 0x00000020

	mimOpen      = 0x3C1
	mimClose     = 0x3C2
	mimData      = 0x3C3
	mimError     = 0x3C5
	mimLongError = 0x3C6
	mimMoreData  = 0x3CC

	// MIDI_MAPPER, the default output device.
	midiMapper = 0xFFFFFFFF
)

type midiInCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	dwSupport      uint32
}

var (
	winmm                = windows.NewLazySystemDLL("winmm.dll")
	procMidiInGetNumDevs = winmm.NewProc("midiInGetNumDevs")
	procMidiInGetDevCaps = winmm.NewProc("midiInGetDevCapsW")
	procMidiInOpen       = winmm.NewProc("midiInOpen")
	procMidiInStart      = winmm.NewProc("midiInStart")
	procMidiInStop       = winmm.NewProc("midiInStop")
	procMidiInClose      = winmm.NewProc("midiInClose")
	procMidiOutOpen      = winmm.NewProc("midiOutOpen")
	procMidiOutShortMsg  = winmm.NewProc("midiOutShortMsg")
	procMidiOutClose     = winmm.NewProc("midiOutClose")
)

type sequencer struct {
	log logger.Logger

	mu       sync.Mutex
	inputs   []hMidiIn
	output   hMidiOut
	callback uintptr
	ports    map[seq.Port]*portState
	next     seq.Port
}

type portState struct {
	name          string
	onEvent       func(midievent.Event)
	onUnsubscribe func()
}

func newSequencer(opts *seq.Options) (seq.Sequencer, error) {
	s := &sequencer{
		log:   opts.Logger,
		ports: make(map[seq.Port]*portState),
	}
	s.callback = windows.NewCallback(s.midiInCallback)

	r0, _, _ := procMidiInGetNumDevs.Call()
	numDevices := uint32(r0)
	for i := uint32(0); i < numDevices; i++ {
		var caps midiInCaps
		if r1, _, _ := procMidiInGetDevCaps.Call(
			uintptr(i), uintptr(unsafe.Pointer(&caps)), unsafe.Sizeof(caps),
		); r1 != 0 {
			s.log.Warn("cannot query MIDI input device",
				s.log.Field().Uint32("device", i))
			continue
		}
		var handle hMidiIn
		r1, _, err := procMidiInOpen.Call(
			uintptr(unsafe.Pointer(&handle)),
			uintptr(i),
			s.callback,
			0,
			uintptr(callbackFunction|midiIOStatus),
		)
		if r1 != 0 {
			s.log.Warn("cannot open MIDI input device",
				s.log.Field().String("name", windows.UTF16ToString(caps.szPname[:])),
				s.log.Field().Error("error", err))
			continue
		}
		if r1, _, err := procMidiInStart.Call(uintptr(handle)); r1 != 0 {
			s.log.Warn("cannot start MIDI capture",
				s.log.Field().Error("error", err))
			procMidiInClose.Call(uintptr(handle))
			continue
		}
		s.inputs = append(s.inputs, handle)
		s.log.Info("capturing MIDI input device",
			s.log.Field().String("name", windows.UTF16ToString(caps.szPname[:])))
	}

	var out hMidiOut
	if r1, _, err := procMidiOutOpen.Call(
		uintptr(unsafe.Pointer(&out)), midiMapper, 0, 0, 0,
	); r1 != 0 {
		s.log.Warn("no MIDI output device, inbound events will be dropped",
			s.log.Field().Error("error", err))
	} else {
		s.output = out
	}

	opts.Logger.Info("winmm sequencer backend ready",
		opts.Logger.Field().String("client", opts.ClientName),
		opts.Logger.Field().Int("inputs", len(s.inputs)))
	return s, nil
}

// midiInCallback translates winmm short messages into structured events
// and fans them out to every port.
func (s *sequencer) midiInCallback(hIn uintptr, wMsg uint32, dwInstance, dwParam1, dwParam2 uintptr) uintptr {
	switch wMsg {
	case mimOpen, mimClose, mimMoreData:
	case mimData:
		status := byte(dwParam1 & 0xFF)
		data1 := byte((dwParam1 >> 8) & 0xFF)
		data2 := byte((dwParam1 >> 16) & 0xFF)
		ev, ok := eventFromShortMessage(status, data1, data2)
		if !ok {
			return 0
		}
		s.mu.Lock()
		handlers := make([]func(midievent.Event), 0, len(s.ports))
		for _, ps := range s.ports {
			if ps.onEvent != nil {
				handlers = append(handlers, ps.onEvent)
			}
		}
		s.mu.Unlock()
		for _, handler := range handlers {
			handler(ev)
		}
	case mimError, mimLongError:
		s.log.Error("MIDI input error",
			s.log.Field().Uint32("message", wMsg))
	default:
		s.log.Warn("unknown MIDI input message",
			s.log.Field().Uint32("message", wMsg))
	}
	return 0
}

func eventFromShortMessage(status, data1, data2 byte) (midievent.Event, bool) {
	channel := status & 0x0F
	switch status & 0xF0 {
	case 0x80:
		return midievent.NewNoteOff(channel, data1, data2), true
	case 0x90:
		return midievent.NewNoteOn(channel, data1, data2), true
	case 0xA0:
		return midievent.NewPolyKeyPressure(channel, data1, data2), true
	case 0xB0:
		return midievent.NewControlChange(channel, data1, data2), true
	case 0xC0:
		return midievent.NewProgramChange(channel, data1), true
	case 0xD0:
		return midievent.NewChannelPressure(channel, data1), true
	case 0xE0:
		return midievent.NewPitchBend(channel, int16((int(data2)<<7|int(data1))-8192)), true
	default:
		if status == 0xFE {
			return midievent.NewActiveSensing(), true
		}
		return midievent.Event{}, false
	}
}

func (s *sequencer) CreatePort(name string) (seq.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	port := s.next
	s.next++
	s.ports[port] = &portState{name: name}
	return port, nil
}

func (s *sequencer) RemovePort(port seq.Port) error {
	s.mu.Lock()
	ps, ok := s.ports[port]
	if ok {
		delete(s.ports, port)
	}
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if ps.onUnsubscribe != nil {
		ps.onUnsubscribe()
	}
	return nil
}

// OnSubscribe fires immediately: winmm exposes no subscription
// notifications, so a port counts as subscribed while it exists.
func (s *sequencer) OnSubscribe(port seq.Port, fn func(subscriberName string)) error {
	s.mu.Lock()
	ps, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if fn != nil {
		fn(ps.name)
	}
	return nil
}

func (s *sequencer) OnUnsubscribe(port seq.Port, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	ps.onUnsubscribe = fn
	return nil
}

func (s *sequencer) OnEvent(port seq.Port, fn func(ev midievent.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	ps.onEvent = fn
	return nil
}

func (s *sequencer) Emit(port seq.Port, ev midievent.Event) error {
	s.mu.Lock()
	_, ok := s.ports[port]
	out := s.output
	s.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if out == 0 {
		return nil
	}
	if ev.Kind == midievent.Sysex {
		s.log.Warn("sysex towards winmm output not supported, dropping",
			s.log.Field().Int("size", len(ev.Payload)))
		return nil
	}
	msg, ok := shortMessageFromEvent(ev)
	if !ok {
		return fmt.Errorf("seqwindows: cannot emit event kind %v", ev.Kind)
	}
	if r1, _, err := procMidiOutShortMsg.Call(uintptr(out), uintptr(msg)); r1 != 0 {
		return fmt.Errorf("seqwindows: midiOutShortMsg: %v", err)
	}
	return nil
}

func shortMessageFromEvent(ev midievent.Event) (uint32, bool) {
	channel := uint32(ev.Channel & 0x0F)
	pack := func(status uint32, d1, d2 byte) uint32 {
		return status | channel | uint32(d1)<<8 | uint32(d2)<<16
	}
	switch ev.Kind {
	case midievent.NoteOff:
		return pack(0x80, ev.Data1, ev.Data2), true
	case midievent.NoteOn:
		return pack(0x90, ev.Data1, ev.Data2), true
	case midievent.PolyKeyPressure:
		return pack(0xA0, ev.Data1, ev.Data2), true
	case midievent.ControlChange:
		return pack(0xB0, ev.Data1, ev.Data2), true
	case midievent.ProgramChange:
		return pack(0xC0, ev.Data1, 0), true
	case midievent.ChannelPressure:
		return pack(0xD0, ev.Data1, 0), true
	case midievent.PitchBend:
		unsigned := uint32(int32(ev.Bend) + 8192)
		return pack(0xE0, byte(unsigned&0x7F), byte((unsigned>>7)&0x7F)), true
	case midievent.ActiveSensing:
		return 0xFE, true
	default:
		return 0, false
	}
}

func (s *sequencer) Close() error {
	s.mu.Lock()
	inputs := s.inputs
	s.inputs = nil
	out := s.output
	s.output = 0
	s.ports = make(map[seq.Port]*portState)
	s.mu.Unlock()

	for _, handle := range inputs {
		procMidiInStop.Call(uintptr(handle))
		procMidiInClose.Call(uintptr(handle))
	}
	if out != 0 {
		procMidiOutClose.Call(uintptr(out))
	}
	return nil
}
