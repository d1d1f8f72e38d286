// Package midicodec translates between the structured midievent.Event
// representation and the running-status MIDI byte stream carried inside
// RTP-MIDI payloads.
package midicodec

import (
	"errors"
	"fmt"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
)

// ErrMalformed marks a payload that could not be decoded past a given
// point: an unsupported status byte, a data byte with no running status to
// reuse, or a message truncated before its data bytes arrived. Events
// decoded before the failure are still returned.
var ErrMalformed = errors.New("midicodec: malformed payload")

const (
	statusNoteOff         = 0x80
	statusNoteOn          = 0x90
	statusPolyKeyPressure = 0xA0
	statusControlChange   = 0xB0
	statusProgramChange   = 0xC0
	statusChannelPressure = 0xD0
	statusPitchBend       = 0xE0
	statusActiveSensing   = 0xFE
	statusSysexStart      = 0xF0
	statusSysexEnd        = 0xF7

	pitchBendCenter = 8192
)

// Decode parses a running-status MIDI byte stream. The current status byte
// persists across successive events within this single call, per the
// running-status convention. On reaching an unsupported status byte, or a
// message truncated before its data bytes, decoding stops and the events
// decoded so far are returned alongside a wrapped ErrMalformed.
func Decode(buf *buffer.Buffer) ([]midievent.Event, error) {
	var events []midievent.Event
	var status byte
	haveStatus := false

	for buf.Remaining() > 0 {
		b, err := buf.ReadUint8()
		if err != nil {
			return events, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if b&0x80 != 0 {
			status = b
			haveStatus = true
		} else {
			if !haveStatus {
				return events, fmt.Errorf("%w: data byte 0x%02X with no running status", ErrMalformed, b)
			}
			buf.Unread(1)
		}

		ev, err := decodeOne(buf, status)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeOne(buf *buffer.Buffer, status byte) (midievent.Event, error) {
	// status has already been consumed from buf by the caller's loop; only
	// the data bytes (if any) remain to be read here.
	if status == statusActiveSensing {
		return midievent.NewActiveSensing(), nil
	}
	if status == statusSysexStart {
		var payload []byte
		for buf.Remaining() > 0 {
			b, _ := buf.ReadUint8()
			if b == statusSysexEnd {
				break
			}
			payload = append(payload, b)
		}
		return midievent.NewSysex(payload), nil
	}

	channel := status & 0x0F
	switch status & 0xF0 {
	case statusNoteOff:
		note, vel, err := read2(buf)
		if err != nil {
			return midievent.Event{}, err
		}
		return midievent.NewNoteOff(channel, note, vel), nil
	case statusNoteOn:
		note, vel, err := read2(buf)
		if err != nil {
			return midievent.Event{}, err
		}
		return midievent.NewNoteOn(channel, note, vel), nil
	case statusPolyKeyPressure:
		note, pressure, err := read2(buf)
		if err != nil {
			return midievent.Event{}, err
		}
		return midievent.NewPolyKeyPressure(channel, note, pressure), nil
	case statusControlChange:
		controller, value, err := read2(buf)
		if err != nil {
			return midievent.Event{}, err
		}
		return midievent.NewControlChange(channel, controller, value), nil
	case statusProgramChange:
		program, err := buf.ReadUint8()
		if err != nil {
			return midievent.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return midievent.NewProgramChange(channel, program), nil
	case statusChannelPressure:
		pressure, err := buf.ReadUint8()
		if err != nil {
			return midievent.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return midievent.NewChannelPressure(channel, pressure), nil
	case statusPitchBend:
		lsb, msb, err := read2(buf)
		if err != nil {
			return midievent.Event{}, err
		}
		value := int16((int(msb)<<7 | int(lsb)) - pitchBendCenter)
		return midievent.NewPitchBend(channel, value), nil
	default:
		// Consume the status byte only: per-byte progress lets the caller
		// report exactly how far decoding got before aborting.
		return midievent.Event{}, fmt.Errorf("%w: unsupported status byte 0x%02X", ErrMalformed, status)
	}
}

func read2(buf *buffer.Buffer) (byte, byte, error) {
	a, err := buf.ReadUint8()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	b, err := buf.ReadUint8()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, b, nil
}

// Encode writes a full status byte per event into buf, never relying on
// running status. Sysex events whose payload plus framing would not fit in
// the remaining buffer capacity are skipped rather than fragmented; the
// number skipped is returned as dropped so the caller can log a warning.
// A non-sysex event that fails to encode (which should not happen given the
// caller's buffer sizing convention) aborts and returns its error.
func Encode(buf *buffer.Buffer, events ...midievent.Event) (dropped int, err error) {
	for _, ev := range events {
		if ev.Kind == midievent.Sysex {
			if buf.Remaining() < len(ev.Payload)+2 {
				dropped++
				continue
			}
		}
		if err := encodeOne(buf, ev); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

func encodeOne(buf *buffer.Buffer, ev midievent.Event) error {
	channel := ev.Channel & 0x0F
	switch ev.Kind {
	case midievent.NoteOff:
		return write3(buf, statusNoteOff|channel, ev.Data1, ev.Data2)
	case midievent.NoteOn:
		return write3(buf, statusNoteOn|channel, ev.Data1, ev.Data2)
	case midievent.PolyKeyPressure:
		return write3(buf, statusPolyKeyPressure|channel, ev.Data1, ev.Data2)
	case midievent.ControlChange:
		return write3(buf, statusControlChange|channel, ev.Data1, ev.Data2)
	case midievent.ProgramChange:
		return write2status(buf, statusProgramChange|channel, ev.Data1)
	case midievent.ChannelPressure:
		return write2status(buf, statusChannelPressure|channel, ev.Data1)
	case midievent.PitchBend:
		unsigned := uint16(int32(ev.Bend) + pitchBendCenter)
		lsb := byte(unsigned & 0x7F)
		msb := byte((unsigned >> 7) & 0x7F)
		return write3(buf, statusPitchBend|channel, lsb, msb)
	case midievent.ActiveSensing:
		return buf.WriteUint8(statusActiveSensing)
	case midievent.Sysex:
		if err := buf.WriteUint8(statusSysexStart); err != nil {
			return err
		}
		if err := buf.WriteBytes(ev.Payload); err != nil {
			return err
		}
		return buf.WriteUint8(statusSysexEnd)
	default:
		return fmt.Errorf("midicodec: unknown event kind %v", ev.Kind)
	}
}

func write3(buf *buffer.Buffer, status, d1, d2 byte) error {
	if err := buf.WriteUint8(status); err != nil {
		return err
	}
	if err := buf.WriteUint8(d1); err != nil {
		return err
	}
	return buf.WriteUint8(d2)
}

func write2status(buf *buffer.Buffer, status, d1 byte) error {
	if err := buf.WriteUint8(status); err != nil {
		return err
	}
	return buf.WriteUint8(d1)
}
