package cnsocket

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// FrameReader reassembles length-prefixed frames from a byte stream into a
// fixed-capacity buffer. It holds at most one incomplete frame plus the
// unconsumed tail that belongs to the next one.
//
// While waiting for a length prefix it reads no further than the prefix, so an
// out-of-range length fails the reader without trusting any byte after it.
type FrameReader struct {
	buf    [MaxBuffer]byte
	r, w   int
	length int // length of the frame being accumulated, 0 while awaiting a prefix
	broken bool
}

// Fill performs exactly one Read from rd into the free part of the buffer.
// It returns the number of bytes read and the reader's error unchanged.
func (f *FrameReader) Fill(rd io.Reader) (int, error) {
	if f.broken {
		return 0, ErrMalformedFrame
	}
	space := f.space()
	if len(space) == 0 {
		return 0, nil
	}
	n, err := rd.Read(space)
	if n > 0 {
		f.w += n
	}
	return n, err
}

// Next returns the next complete encrypted frame payload, or nil when more
// bytes are needed. The returned slice aliases the buffer and is valid only
// until the next Fill.
func (f *FrameReader) Next() ([]byte, error) {
	if f.broken {
		return nil, ErrMalformedFrame
	}
	if f.length == 0 {
		if f.w-f.r < LengthSize {
			return nil, nil
		}
		l := binary.LittleEndian.Uint32(f.buf[f.r:])
		if l > MaxFrameLength || l < TypeSize {
			f.broken = true
			return nil, errors.Wrapf(ErrMalformedFrame, "length %d", l)
		}
		f.r += LengthSize
		f.length = int(l)
	}
	if f.w-f.r < f.length {
		return nil, nil
	}
	frame := f.buf[f.r : f.r+f.length]
	f.r += f.length
	f.length = 0
	return frame, nil
}

// Buffered returns the number of received bytes not yet returned by Next.
func (f *FrameReader) Buffered() int {
	return f.w - f.r
}

// Reset drops everything buffered.
func (f *FrameReader) Reset() {
	f.r, f.w, f.length, f.broken = 0, 0, 0, false
}

// space compacts consumed bytes away and returns the region the next read may fill.
func (f *FrameReader) space() []byte {
	if f.r > 0 {
		f.w = copy(f.buf[:], f.buf[f.r:f.w])
		f.r = 0
	}
	if f.length == 0 && f.w < LengthSize {
		return f.buf[f.w:LengthSize]
	}
	return f.buf[f.w:]
}

// AppendFrame appends one sealed frame carrying typeID and body to dst.
func AppendFrame(dst []byte, typeID uint32, body []byte, key Key) ([]byte, error) {
	size := TypeSize + len(body)
	if size > MaxFrameLength {
		return dst, errors.Wrapf(ErrPacketTooLarge, "%d bytes", size)
	}
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, 0, 0, 0, 0)
	dst = append(dst, body...)
	if err := Seal(dst[start+LengthSize:], typeID, key); err != nil {
		return dst[:start], err
	}
	return dst, nil
}
