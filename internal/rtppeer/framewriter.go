package rtppeer

import "github.com/leandrodaf/rtpmidid/internal/buffer"

// frameWriter builds an outbound frame with sticky error handling: after
// the first failed write every later call is a no-op and err holds the
// cause. Frames here are all bounded well below their buffer capacity, so
// err only trips on a sizing bug.
type frameWriter struct {
	buf *buffer.Buffer
	err error
}

func newFrame(capacity int) *frameWriter {
	return &frameWriter{buf: buffer.NewWriter(capacity)}
}

func (w *frameWriter) u8(v byte) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteUint8(v)
	}
	return w
}

func (w *frameWriter) u16(v uint16) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteUint16(v)
	}
	return w
}

func (w *frameWriter) u32(v uint32) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteUint32(v)
	}
	return w
}

func (w *frameWriter) u64(v uint64) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteUint64(v)
	}
	return w
}

func (w *frameWriter) bytes(v []byte) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteBytes(v)
	}
	return w
}

func (w *frameWriter) cstring(s string) *frameWriter {
	if w.err == nil {
		w.err = w.buf.WriteCString(s)
	}
	return w
}

func (w *frameWriter) frame() []byte {
	return w.buf.Bytes()
}
