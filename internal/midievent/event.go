// Package midievent defines the structured MIDI event representation
// shared by the wire codec, the local sequencer adapters, and the registry.
package midievent

// Kind identifies the MIDI channel-voice message or system message a
// structured Event carries.
type Kind int

const (
	NoteOn Kind = iota
	NoteOff
	PolyKeyPressure
	ControlChange
	ProgramChange
	ChannelPressure
	PitchBend
	ActiveSensing
	Sysex
)

func (k Kind) String() string {
	switch k {
	case NoteOn:
		return "NoteOn"
	case NoteOff:
		return "NoteOff"
	case PolyKeyPressure:
		return "PolyKeyPressure"
	case ControlChange:
		return "ControlChange"
	case ProgramChange:
		return "ProgramChange"
	case ChannelPressure:
		return "ChannelPressure"
	case PitchBend:
		return "PitchBend"
	case ActiveSensing:
		return "ActiveSensing"
	case Sysex:
		return "Sysex"
	default:
		return "Unknown"
	}
}

// Event is a tagged value over the MIDI channel-voice set plus ActiveSensing
// and Sysex. Channel is 0-15 and meaningless for ActiveSensing/Sysex. Data1
// and Data2 hold the wire data bytes for every variant except PitchBend
// (which uses Bend, a signed 14-bit value centered at 0) and Sysex (which
// uses Payload, an opaque byte vector).
type Event struct {
	Kind    Kind
	Channel uint8
	Data1   uint8
	Data2   uint8
	Bend    int16
	Payload []byte
}

// NewNoteOn builds a NoteOn event.
func NewNoteOn(channel, note, velocity uint8) Event {
	return Event{Kind: NoteOn, Channel: channel & 0x0F, Data1: note, Data2: velocity}
}

// NewNoteOff builds a NoteOff event.
func NewNoteOff(channel, note, velocity uint8) Event {
	return Event{Kind: NoteOff, Channel: channel & 0x0F, Data1: note, Data2: velocity}
}

// NewPolyKeyPressure builds a PolyKeyPressure (aftertouch) event.
func NewPolyKeyPressure(channel, note, pressure uint8) Event {
	return Event{Kind: PolyKeyPressure, Channel: channel & 0x0F, Data1: note, Data2: pressure}
}

// NewControlChange builds a ControlChange event.
func NewControlChange(channel, controller, value uint8) Event {
	return Event{Kind: ControlChange, Channel: channel & 0x0F, Data1: controller, Data2: value}
}

// NewProgramChange builds a ProgramChange event.
func NewProgramChange(channel, program uint8) Event {
	return Event{Kind: ProgramChange, Channel: channel & 0x0F, Data1: program}
}

// NewChannelPressure builds a ChannelPressure event.
func NewChannelPressure(channel, pressure uint8) Event {
	return Event{Kind: ChannelPressure, Channel: channel & 0x0F, Data1: pressure}
}

// NewPitchBend builds a PitchBend event. value is signed, -8192..8191.
func NewPitchBend(channel uint8, value int16) Event {
	return Event{Kind: PitchBend, Channel: channel & 0x0F, Bend: value}
}

// NewActiveSensing builds an ActiveSensing event.
func NewActiveSensing() Event {
	return Event{Kind: ActiveSensing}
}

// NewSysex builds a Sysex event carrying an opaque payload (without the
// 0xF0/0xF7 framing bytes).
func NewSysex(payload []byte) Event {
	return Event{Kind: Sysex, Payload: payload}
}
