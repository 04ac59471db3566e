package lzx

import "encoding/binary"

// bitReader reads the LZX bitstream: 16-bit little-endian words consumed
// most significant bit first. One reader is initialized per input frame.
type bitReader struct {
	src []byte
	pos int
	// buf holds n valid bits, left aligned.
	buf uint32
	n   uint
	// last is the number of bytes the most recent fill consumed.
	last int
}

func (b *bitReader) init(src []byte) {
	b.src = src
	b.pos = 0
	b.buf = 0
	b.n = 0
	b.last = 0
}

// fill tops the buffer up to at least 16 bits when input is left. A trailing
// odd byte is treated as the low half of a word.
func (b *bitReader) fill() {
	for b.n < 16 {
		var w uint32
		switch {
		case b.pos+2 <= len(b.src):
			w = uint32(binary.LittleEndian.Uint16(b.src[b.pos:]))
			b.pos += 2
			b.last = 2
		case b.pos < len(b.src):
			w = uint32(b.src[b.pos])
			b.pos++
			b.last = 1
		default:
			return
		}
		b.buf |= w << (16 - b.n)
		b.n += 16
	}
}

// peek returns the next k bits (1..16) without consuming them. Bits past
// the end of input read as zero.
func (b *bitReader) peek(k uint) uint32 {
	return b.buf >> (32 - k)
}

func (b *bitReader) consume(k uint) {
	b.buf <<= k
	b.n -= k
}

// readBits reads up to 32 bits. ok is false when the input is exhausted.
func (b *bitReader) readBits(k uint) (v uint32, ok bool) {
	if k == 0 {
		return 0, true
	}
	if k > 16 {
		hi, ok := b.readBits(k - 16)
		if !ok {
			return 0, false
		}
		lo, ok := b.readBits(16)
		return hi<<16 | lo, ok
	}
	if b.n < k {
		b.fill()
		if b.n < k {
			return 0, false
		}
	}
	v = b.peek(k)
	b.consume(k)
	return v, true
}

// align drops bits up to the next 16-bit boundary ahead of an uncompressed
// block. An already aligned stream loses a whole word, which the compressor
// always emits as padding.
func (b *bitReader) align() {
	b.fill()
	if b.n > 16 {
		b.pos -= b.last
	}
	b.buf = 0
	b.n = 0
}

// readRaw copies len(dst) bytes straight from the input. The bit buffer
// must be empty.
func (b *bitReader) readRaw(dst []byte) bool {
	if b.pos+len(dst) > len(b.src) {
		return false
	}
	copy(dst, b.src[b.pos:])
	b.pos += len(dst)
	return true
}

func (b *bitReader) skipByte() bool {
	if b.pos >= len(b.src) {
		return false
	}
	b.pos++
	return true
}
