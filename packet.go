package cnsocket

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet is a decrypted frame as seen by a handler. Body aliases the session
// receive buffer and must not be retained after the handler returns.
type Packet struct {
	Type uint32
	Body []byte
}

// Len returns the body length.
func (p Packet) Len() int {
	return len(p.Body)
}

// Expect reports whether the body is exactly size bytes. Handlers call it
// before decoding a fixed-size struct and ignore the packet when it fails.
func (p Packet) Expect(size int) bool {
	return len(p.Body) == size
}

// Reader returns a little-endian cursor over the body.
func (p Packet) Reader() *Reader {
	return &Reader{buf: p.Body}
}

// Reader decodes little-endian fields from a byte slice. The first
// out-of-bounds access sets a sticky error and every later read returns zero.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errors.Wrapf(ErrShortBody, "need %d bytes at offset %d of %d", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Err returns the first decode error.
func (r *Reader) Err() error {
	return r.err
}

// Writer encodes little-endian fields into a growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Uint8 appends one byte.
func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// Uint16 appends a little-endian uint16.
func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

// Uint32 appends a little-endian uint32.
func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

// Int32 appends a little-endian int32.
func (w *Writer) Int32(v int32) *Writer {
	return w.Uint32(uint32(v))
}

// Uint64 appends a little-endian uint64.
func (w *Writer) Uint64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

// Raw appends raw bytes.
func (w *Writer) Raw(p []byte) *Writer {
	w.buf = append(w.buf, p...)
	return w
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of encoded bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}
