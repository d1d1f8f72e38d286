package midicodec_test

import (
	"testing"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/leandrodaf/rtpmidid/internal/midicodec"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/stretchr/testify/require"
)

func decodeBytes(t *testing.T, raw []byte) ([]midievent.Event, error) {
	t.Helper()
	return midicodec.Decode(buffer.NewReader(raw))
}

func TestRunningStatusTwoNoteOns(t *testing.T) {
	events, err := decodeBytes(t, []byte{0x90, 0x40, 0x7F, 0x42, 0x7F})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, midievent.NewNoteOn(0, 0x40, 0x7F), events[0])
	require.Equal(t, midievent.NewNoteOn(0, 0x42, 0x7F), events[1])
}

func TestEncodeNoteOn(t *testing.T) {
	buf := buffer.NewWriter(16)
	dropped, err := midicodec.Encode(buf, midievent.NewNoteOn(3, 60, 100))
	require.NoError(t, err)
	require.Zero(t, dropped)
	require.Equal(t, []byte{0x93, 0x3C, 0x64}, buf.Bytes())
}

func TestEncodeDecodeNoteOnRoundTrip(t *testing.T) {
	ev := midievent.NewNoteOn(3, 60, 100)
	buf := buffer.NewWriter(16)
	_, err := midicodec.Encode(buf, ev)
	require.NoError(t, err)

	decoded, err := midicodec.Decode(buffer.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, []midievent.Event{ev}, decoded)
}

func TestPitchBendEncodeBoundaries(t *testing.T) {
	cases := []struct {
		value    int16
		lsb, msb byte
	}{
		{-8192, 0x00, 0x00},
		{0, 0x00, 0x40},
		{2048, 0x00, 0x50},
		{8191, 0x7F, 0x7F},
	}
	for _, c := range cases {
		buf := buffer.NewWriter(8)
		_, err := midicodec.Encode(buf, midievent.NewPitchBend(0, c.value))
		require.NoError(t, err)
		require.Equal(t, []byte{0xE0, c.lsb, c.msb}, buf.Bytes(), "value=%d", c.value)

		decoded, err := midicodec.Decode(buffer.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		require.Equal(t, c.value, decoded[0].Bend)
	}
}

func TestDecodeAllVariantsRoundTrip(t *testing.T) {
	events := []midievent.Event{
		midievent.NewNoteOn(1, 10, 20),
		midievent.NewNoteOff(1, 10, 0),
		midievent.NewPolyKeyPressure(2, 30, 40),
		midievent.NewControlChange(3, 7, 127),
		midievent.NewProgramChange(4, 5),
		midievent.NewChannelPressure(5, 99),
		midievent.NewPitchBend(6, -100),
		midievent.NewActiveSensing(),
		midievent.NewSysex([]byte{0x01, 0x02, 0x03}),
	}
	buf := buffer.NewWriter(256)
	dropped, err := midicodec.Encode(buf, events...)
	require.NoError(t, err)
	require.Zero(t, dropped)

	decoded, err := midicodec.Decode(buffer.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, events, decoded)
}

func TestDecodeUnderflowReturnsPartialResult(t *testing.T) {
	// A NoteOn claims two data bytes but only one is present.
	events, err := decodeBytes(t, []byte{0x90, 0x40})
	require.ErrorIs(t, err, midicodec.ErrMalformed)
	require.Empty(t, events)
}

func TestDecodeStopsAfterUnsupportedStatusButKeepsPrefix(t *testing.T) {
	// A valid NoteOn followed by the unsupported 0xF1 status byte.
	events, err := decodeBytes(t, []byte{0x90, 0x40, 0x7F, 0xF1})
	require.ErrorIs(t, err, midicodec.ErrMalformed)
	require.Len(t, events, 1)
	require.Equal(t, midievent.NewNoteOn(0, 0x40, 0x7F), events[0])
}

func TestSysexDroppedWhenBufferTooSmall(t *testing.T) {
	buf := buffer.NewWriter(4)
	dropped, err := midicodec.Encode(buf, midievent.NewSysex([]byte{1, 2, 3, 4, 5}))
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Zero(t, buf.Position())
}

func TestSysexWithoutTerminatorConsumesToBufferEnd(t *testing.T) {
	events, err := decodeBytes(t, []byte{0xF0, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, events[0].Payload)
}
