package protocol

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/google/uuid"
)

var (
	ErrTooSmall      = errors.New("packet too small")
	ErrInvalidPacket = errors.New("invalid packet")
)

// Writer builds binary packet bodies. Integers are big-endian, floats are
// IEEE-754 big-endian, strings are uint16-length-prefixed UTF-8, GUIDs are 16
// raw bytes, booleans one byte.
type Writer struct {
	buf []byte
}

func NewWriter(packetType PacketType) *Writer {
	return &Writer{buf: []byte{byte(packetType)}}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteUint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteUint16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) WriteUint64(v uint64) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) WriteFloat32(v float32) *Writer {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) *Writer {
	return w.WriteUint64(math.Float64bits(v))
}

func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteString clamps strings to what the uint16 length prefix can carry so
// the prefix always matches the appended bytes.
func (w *Writer) WriteString(s string) *Writer {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) WriteGUID(id uuid.UUID) *Writer {
	w.buf = append(w.buf, id[:]...)
	return w
}

// WriteBlob writes a uint32-length-prefixed byte slice.
func (w *Writer) WriteBlob(b []byte) *Writer {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// Reader consumes a binary packet body. The first error sticks; callers check
// Err once after reading every field.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps a full packet and verifies the leading type byte.
func NewReader(data []byte, want PacketType) *Reader {
	if len(data) < 1 {
		return &Reader{err: ErrTooSmall}
	}
	if PacketType(data[0]) != want {
		return &Reader{err: ErrInvalidPacket}
	}
	return &Reader{buf: data, off: 1}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = ErrTooSmall
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *Reader) ReadGUID() uuid.UUID {
	var id uuid.UUID
	b := r.take(16)
	if b == nil {
		return id
	}
	copy(id[:], b)
	return id
}

func (r *Reader) ReadBlob() []byte {
	n := int(r.ReadUint32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
