package delta

import (
	"fmt"
	"math/bits"
)

// BitReader reads the variable-length integers of a delta header. Bits are
// consumed least significant first. The first three bits of the stream give
// the number of unused bits at the end of the last byte.
type BitReader struct {
	buf   []byte
	pos   int
	value uint64
	fill  int
	pad   int
}

// NewBitReader starts reading b and consumes the padding field.
func NewBitReader(b []byte) (*BitReader, error) {
	r := &BitReader{buf: b}
	pad, err := r.ReadBits(3)
	if err != nil {
		return nil, err
	}
	r.pad = int(pad)
	if r.pos == len(r.buf) {
		if r.fill < r.pad {
			return nil, fmt.Errorf("%w: invalid padding %d", ErrFormat, r.pad)
		}
		r.fill -= r.pad
	}
	return r, nil
}

func (r *BitReader) refill() {
	for r.fill <= 56 && r.pos < len(r.buf) {
		r.value |= uint64(r.buf[r.pos]) << r.fill
		r.fill += 8
		r.pos++
		if r.pos == len(r.buf) {
			r.fill -= r.pad
		}
	}
}

// ReadBits reads n bits, at most 32.
func (r *BitReader) ReadBits(n int) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	r.refill()
	if r.fill < n {
		return 0, fmt.Errorf("%w: bit stream exhausted", ErrFormat)
	}
	v := uint32(r.value & (^uint64(0) >> (64 - n)))
	r.value >>= n
	r.fill -= n
	return v, nil
}

// ReadNumber32 reads a number of up to eight nibbles. The count of trailing
// zero bits before the first set bit selects the nibble count.
func (r *BitReader) ReadNumber32() (uint32, error) {
	r.refill()
	nibbles := bits.TrailingZeros32(uint32(r.value) | 0x100)
	if nibbles >= 8 {
		return 0, fmt.Errorf("%w: invalid number encoding", ErrFormat)
	}
	nibbles++
	n := 4 * nibbles
	if r.fill < nibbles+n {
		return 0, fmt.Errorf("%w: bit stream exhausted", ErrFormat)
	}
	v := uint32((r.value >> nibbles) & (^uint64(0) >> (64 - n)))
	r.value >>= nibbles + n
	r.fill -= nibbles + n
	return v, nil
}

// ReadNumber64 reads a number of up to sixteen nibbles.
func (r *BitReader) ReadNumber64() (uint64, error) {
	r.refill()
	nibbles := bits.TrailingZeros32(uint32(r.value) | 0x10000)
	if nibbles >= 16 {
		return 0, fmt.Errorf("%w: invalid number encoding", ErrFormat)
	}
	nibbles++
	if r.fill < nibbles {
		return 0, fmt.Errorf("%w: bit stream exhausted", ErrFormat)
	}
	r.value >>= nibbles
	r.fill -= nibbles

	n := 4 * nibbles
	if n <= 32 {
		v, err := r.ReadBits(n)
		return uint64(v), err
	}
	lo, err := r.ReadBits(32)
	if err != nil {
		return 0, err
	}
	hi, err := r.ReadBits(n - 32)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// ReadBuffer reads a length-prefixed byte string. The string starts at the
// next byte boundary; bits left in the current byte are dropped.
func (r *BitReader) ReadBuffer() ([]byte, error) {
	length, err := r.ReadNumber64()
	if err != nil {
		return nil, err
	}
	start := r.pos - r.fill/8
	if length > uint64(len(r.buf)) || start+int(length) > len(r.buf) {
		return nil, fmt.Errorf("%w: buffer of %d bytes exceeds stream", ErrFormat, length)
	}
	r.pos = start + int(length)
	r.value = 0
	r.fill = 0
	out := make([]byte, length)
	copy(out, r.buf[start:])
	return out, nil
}

// Offset returns the index of the first byte not yet consumed.
func (r *BitReader) Offset() int {
	return r.pos - r.fill/8
}

// BitWriter produces streams for BitReader.
type BitWriter struct {
	buf   []byte
	nbits int
}

// NewBitWriter returns a writer with room reserved for the padding field.
func NewBitWriter() *BitWriter {
	w := &BitWriter{}
	w.WriteBits(0, 3)
	return w
}

// WriteBits appends the low n bits of v, least significant first.
func (w *BitWriter) WriteBits(v uint64, n int) {
	for i := 0; i < n; i++ {
		if w.nbits%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>i&1 != 0 {
			w.buf[len(w.buf)-1] |= 1 << (w.nbits % 8)
		}
		w.nbits++
	}
}

func (w *BitWriter) writeNumber(v uint64) {
	nibbles := 1
	for nibbles < 16 && v>>(4*nibbles) != 0 {
		nibbles++
	}
	w.WriteBits(0, nibbles-1)
	w.WriteBits(1, 1)
	w.WriteBits(v, 4*nibbles)
}

// WriteNumber32 appends v in the ReadNumber32 encoding.
func (w *BitWriter) WriteNumber32(v uint32) { w.writeNumber(uint64(v)) }

// WriteNumber64 appends v in the ReadNumber64 encoding.
func (w *BitWriter) WriteNumber64(v uint64) { w.writeNumber(v) }

// WriteBuffer appends a length-prefixed byte string.
func (w *BitWriter) WriteBuffer(b []byte) {
	w.WriteNumber64(uint64(len(b)))
	w.nbits = len(w.buf) * 8
	w.buf = append(w.buf, b...)
	w.nbits += 8 * len(b)
}

// Bytes returns the stream with the padding field filled in.
func (w *BitWriter) Bytes() []byte {
	out := append([]byte{}, w.buf...)
	pad := (8 - w.nbits%8) % 8
	out[0] = out[0]&^7 | byte(pad)
	return out
}
