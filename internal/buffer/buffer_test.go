package buffer_test

import (
	"testing"

	"github.com/leandrodaf/rtpmidid/internal/buffer"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	w := buffer.NewWriter(64)
	require.NoError(t, w.WriteUint8(0x42))
	require.NoError(t, w.WriteUint16(0xBEEF))
	require.NoError(t, w.WriteUint32(0xCAFEBABE))
	require.NoError(t, w.WriteUint64(0x0102030405060708))
	require.NoError(t, w.WriteCString("hello"))

	r := buffer.NewReader(w.Bytes())

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, byte(0x42), u8)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFEBABE), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	s, err := r.ReadCString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	require.Equal(t, 0, r.Remaining())
}

func TestReadUnderflow(t *testing.T) {
	r := buffer.NewReader([]byte{0x01, 0x02})
	_, err := r.ReadUint32()
	require.ErrorIs(t, err, buffer.ErrUnderflow)
}

func TestWriteOverflow(t *testing.T) {
	w := buffer.NewWriter(1)
	require.NoError(t, w.WriteUint8(0x01))
	err := w.WriteUint8(0x02)
	require.ErrorIs(t, err, buffer.ErrOverflow)
}

func TestUnreadRewindsOneByte(t *testing.T) {
	r := buffer.NewReader([]byte{0x90, 0x40, 0x7F})
	b, err := r.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, byte(0x90), b)
	r.Unread(1)
	require.Equal(t, 0, r.Position())
}

func TestReadCStringUnterminatedIsUnderflow(t *testing.T) {
	r := buffer.NewReader([]byte{'a', 'b', 'c'})
	_, err := r.ReadCString()
	require.ErrorIs(t, err, buffer.ErrUnderflow)
}
