package lzx

import "errors"

const maxCodeLen = 16

var (
	errTableOverrun    = errors.New("code lengths oversubscribe the table")
	errTableIncomplete = errors.New("code lengths do not form a complete code")
)

// huffman is a canonical Huffman decode table. Codes up to bits long are
// resolved by a direct lookup; longer codes continue through overflow nodes
// stored after the direct part, one bit per step.
type huffman struct {
	bits  uint
	lens  []byte
	table []uint16
	empty bool
}

func newHuffman(nsyms int, bits uint) *huffman {
	direct := 1 << bits
	next := direct >> 1
	if next < nsyms {
		next = nsyms
	}
	size := 2*(next+nsyms) + 2
	if size < direct {
		size = direct
	}
	return &huffman{
		bits:  bits,
		table: make([]uint16, size),
	}
}

// build fills the table from lens. An all-zero length set is accepted and
// leaves an empty table that fails on first use.
func (h *huffman) build(lens []byte) error {
	h.lens = lens
	h.empty = false
	nsyms := len(lens)
	tableMask := uint32(1) << h.bits
	bitMask := tableMask >> 1
	var pos uint32

	for bitNum := uint(1); bitNum <= h.bits; bitNum++ {
		for sym := 0; sym < nsyms; sym++ {
			if uint(lens[sym]) != bitNum {
				continue
			}
			leaf := pos
			pos += bitMask
			if pos > tableMask {
				return errTableOverrun
			}
			for fill := bitMask; fill > 0; fill-- {
				h.table[leaf] = uint16(sym)
				leaf++
			}
		}
		bitMask >>= 1
	}
	if pos == tableMask {
		return nil
	}

	for i := pos; i < tableMask; i++ {
		h.table[i] = 0xFFFF
	}
	next := tableMask >> 1
	if next < uint32(nsyms) {
		next = uint32(nsyms)
	}
	pos <<= 16
	tableMask <<= 16
	bitMask = 1 << 15

	for bitNum := h.bits + 1; bitNum <= maxCodeLen; bitNum++ {
		for sym := 0; sym < nsyms; sym++ {
			if uint(lens[sym]) != bitNum {
				continue
			}
			if pos >= tableMask {
				return errTableOverrun
			}
			leaf := pos >> 16
			for fill := uint(0); fill < bitNum-h.bits; fill++ {
				if h.table[leaf] == 0xFFFF {
					if int(next<<1)+1 >= len(h.table) {
						return errTableOverrun
					}
					h.table[next<<1] = 0xFFFF
					h.table[next<<1+1] = 0xFFFF
					h.table[leaf] = uint16(next)
					next++
				}
				leaf = uint32(h.table[leaf]) << 1
				if (pos>>(15-fill))&1 != 0 {
					leaf++
				}
			}
			h.table[leaf] = uint16(sym)
			pos += bitMask
		}
		bitMask >>= 1
	}
	if pos == tableMask {
		return nil
	}
	for _, l := range lens {
		if l != 0 {
			return errTableIncomplete
		}
	}
	h.empty = true
	return nil
}

// decode reads one symbol. ok is false on an empty table, a walk past the
// longest code, or exhausted input.
func (h *huffman) decode(br *bitReader) (sym int, ok bool) {
	if h.empty {
		return 0, false
	}
	br.fill()
	nsyms := len(h.lens)
	s := h.table[br.peek(h.bits)]
	if int(s) >= nsyms {
		i := uint32(1) << (32 - h.bits)
		for {
			i >>= 1
			if i == 0 || s == 0xFFFF {
				return 0, false
			}
			idx := int(s) << 1
			if br.buf&i != 0 {
				idx++
			}
			s = h.table[idx]
			if int(s) < nsyms {
				break
			}
		}
	}
	l := uint(h.lens[s])
	if l == 0 || l > br.n {
		return 0, false
	}
	br.consume(l)
	return int(s), true
}
