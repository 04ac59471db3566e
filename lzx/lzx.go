// Package lzx implements the LZX decompressor used by Microsoft Cabinet
// folders.
//
// A Decoder owns the sliding window, the Huffman code lengths, the repeated
// offset queue and the state of the current block, all of which carry over
// from one frame to the next. Each frame is the payload of one CFDATA block
// and produces at most 32768 bytes. A Decoder must be Reset before it is
// used for another folder.
package lzx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt is returned for every condition that stops decoding: invalid
// Huffman tables, an unknown block type, matches reaching outside the
// window and exhausted input. It is sticky until Reset.
var ErrCorrupt = errors.New("lzx: corrupt data")

const (
	MinWindowBits = 15
	MaxWindowBits = 21

	// FrameSize is the largest number of bytes a single Decode produces.
	FrameSize = 32768
)

const (
	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3
)

const (
	numChars          = 256
	minMatch          = 2
	numPrimaryLengths = 7
	numLengthSymbols  = 249
	numPretreeSymbols = 20
	numAlignedSymbols = 8
	maxPositionSlots  = 50
	maxMainSymbols    = numChars + maxPositionSlots*8

	pretreeBits = 6
	mainBits    = 12
	lengthBits  = 12
	alignedBits = 7

	// e8 translation stops after this many frames.
	e8MaxFrames = 32768
)

var (
	positionSlots = [...]int{30, 32, 34, 36, 38, 42, 50}
	extraBits     [maxPositionSlots + 1]uint
	positionBase  [maxPositionSlots + 1]uint32
)

func init() {
	for i, j := 4, uint(1); i < len(extraBits); i += 2 {
		extraBits[i] = j
		if i+1 < len(extraBits) {
			extraBits[i+1] = j
		}
		if j < 17 {
			j++
		}
	}
	for i := 1; i < len(positionBase); i++ {
		positionBase[i] = positionBase[i-1] + 1<<extraBits[i-1]
	}
}

// Decoder decompresses the frames of one LZX stream.
type Decoder struct {
	window []byte
	mask   uint32
	pos    uint32
	// written counts every byte produced since Reset.
	written uint64

	r0, r1, r2   uint32
	mainElements int

	mainLens    []byte
	lengthLens  []byte
	alignedLens []byte
	pretreeLens []byte

	main    *huffman
	length  *huffman
	aligned *huffman
	pretree *huffman

	headerRead     bool
	blockType      int
	blockLength    int
	blockRemaining int
	padPending     bool

	intelFileSize int32
	intelCurPos   int32
	intelStarted  bool
	frames        int

	br  bitReader
	err error
}

// NewDecoder returns a decoder for a window of 1<<windowBits bytes.
func NewDecoder(windowBits int) (*Decoder, error) {
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, fmt.Errorf("lzx: unsupported window size 2^%d", windowBits)
	}
	slots := positionSlots[windowBits-MinWindowBits]
	d := &Decoder{
		window:       make([]byte, 1<<windowBits),
		mask:         1<<windowBits - 1,
		mainElements: numChars + slots*8,
		mainLens:     make([]byte, numChars+slots*8),
		lengthLens:   make([]byte, numLengthSymbols),
		alignedLens:  make([]byte, numAlignedSymbols),
		pretreeLens:  make([]byte, numPretreeSymbols),
		main:         newHuffman(numChars+slots*8, mainBits),
		length:       newHuffman(numLengthSymbols, lengthBits),
		aligned:      newHuffman(numAlignedSymbols, alignedBits),
		pretree:      newHuffman(numPretreeSymbols, pretreeBits),
	}
	d.Reset()
	return d, nil
}

// Reset returns the decoder to the state at the start of a folder.
func (d *Decoder) Reset() {
	for i := range d.window {
		d.window[i] = 0
	}
	d.pos = 0
	d.written = 0
	d.r0, d.r1, d.r2 = 1, 1, 1
	for i := range d.mainLens {
		d.mainLens[i] = 0
	}
	for i := range d.lengthLens {
		d.lengthLens[i] = 0
	}
	d.headerRead = false
	d.blockType = 0
	d.blockLength = 0
	d.blockRemaining = 0
	d.padPending = false
	d.intelFileSize = 0
	d.intelCurPos = 0
	d.intelStarted = false
	d.frames = 0
	d.err = nil
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

var errEOF = corrupt("input exhausted")

// Decode decompresses one frame from src into dst. len(dst) is the frame's
// uncompressed size.
func (d *Decoder) Decode(dst, src []byte) (err error) {
	if d.err != nil {
		return d.err
	}
	defer func() {
		if err != nil {
			d.err = err
		}
	}()
	frameSize := len(dst)
	if frameSize > FrameSize {
		return corrupt("frame of %d bytes exceeds %d", frameSize, FrameSize)
	}
	d.br.init(src)

	if !d.headerRead {
		set, ok := d.br.readBits(1)
		if !ok {
			return errEOF
		}
		if set != 0 {
			hi, ok1 := d.br.readBits(16)
			lo, ok2 := d.br.readBits(16)
			if !ok1 || !ok2 {
				return errEOF
			}
			d.intelFileSize = int32(hi<<16 | lo)
		}
		d.headerRead = true
	}

	start := d.pos
	todo := frameSize
	for todo > 0 {
		if d.blockRemaining == 0 {
			if err := d.readBlockHeader(); err != nil {
				return err
			}
		}
		run := d.blockRemaining
		if run > todo {
			run = todo
		}
		var n int
		switch d.blockType {
		case blockVerbatim, blockAligned:
			n, err = d.decodeMatches(run)
			if err != nil {
				return err
			}
		case blockUncompressed:
			n = run
			if err := d.copyRaw(run); err != nil {
				return err
			}
		}
		if n > d.blockRemaining {
			return corrupt("match overruns block")
		}
		if n > todo {
			return corrupt("match crosses frame boundary")
		}
		d.blockRemaining -= n
		todo -= n
		if d.blockRemaining == 0 && d.blockType == blockUncompressed && d.blockLength&1 != 0 {
			d.padPending = !d.br.skipByte()
		}
	}

	for i := 0; i < frameSize; i++ {
		dst[i] = d.window[(start+uint32(i))&d.mask]
	}
	if d.intelStarted && d.intelFileSize != 0 && d.frames < e8MaxFrames && frameSize > 10 {
		undoE8(dst, d.intelCurPos, d.intelFileSize)
	}
	d.intelCurPos += int32(frameSize)
	d.frames++
	return nil
}

func (d *Decoder) readBlockHeader() error {
	if d.padPending {
		d.br.skipByte()
		d.padPending = false
	}
	typ, ok1 := d.br.readBits(3)
	hi, ok2 := d.br.readBits(16)
	lo, ok3 := d.br.readBits(8)
	if !ok1 || !ok2 || !ok3 {
		return errEOF
	}
	d.blockType = int(typ)
	d.blockLength = int(hi<<8 | lo)
	d.blockRemaining = d.blockLength

	switch d.blockType {
	case blockAligned:
		for i := range d.alignedLens {
			v, ok := d.br.readBits(3)
			if !ok {
				return errEOF
			}
			d.alignedLens[i] = byte(v)
		}
		if err := d.aligned.build(d.alignedLens); err != nil {
			return corrupt("aligned tree: %v", err)
		}
		fallthrough
	case blockVerbatim:
		if err := d.readLengths(d.mainLens, 0, numChars); err != nil {
			return err
		}
		if err := d.readLengths(d.mainLens, numChars, d.mainElements); err != nil {
			return err
		}
		if err := d.main.build(d.mainLens); err != nil {
			return corrupt("main tree: %v", err)
		}
		if d.mainLens[0xE8] != 0 {
			d.intelStarted = true
		}
		if err := d.readLengths(d.lengthLens, 0, numLengthSymbols); err != nil {
			return err
		}
		if err := d.length.build(d.lengthLens); err != nil {
			return corrupt("length tree: %v", err)
		}
	case blockUncompressed:
		d.intelStarted = true
		d.br.align()
		var r [12]byte
		if !d.br.readRaw(r[:]) {
			return errEOF
		}
		d.r0 = binary.LittleEndian.Uint32(r[0:])
		d.r1 = binary.LittleEndian.Uint32(r[4:])
		d.r2 = binary.LittleEndian.Uint32(r[8:])
	default:
		return corrupt("invalid block type %d", d.blockType)
	}
	return nil
}

// readLengths reads lens[first:last] through a freshly transmitted pretree.
// Lengths are coded as deltas modulo 17 against the previous block's values.
func (d *Decoder) readLengths(lens []byte, first, last int) error {
	for i := range d.pretreeLens {
		v, ok := d.br.readBits(4)
		if !ok {
			return errEOF
		}
		d.pretreeLens[i] = byte(v)
	}
	if err := d.pretree.build(d.pretreeLens); err != nil {
		return corrupt("pretree: %v", err)
	}
	for x := first; x < last; {
		z, ok := d.pretree.decode(&d.br)
		if !ok {
			return corrupt("bad pretree symbol")
		}
		switch z {
		case 17:
			y, ok := d.br.readBits(4)
			if !ok {
				return errEOF
			}
			for n := int(y) + 4; n > 0 && x < last; n-- {
				lens[x] = 0
				x++
			}
		case 18:
			y, ok := d.br.readBits(5)
			if !ok {
				return errEOF
			}
			for n := int(y) + 20; n > 0 && x < last; n-- {
				lens[x] = 0
				x++
			}
		case 19:
			y, ok := d.br.readBits(1)
			if !ok {
				return errEOF
			}
			z, ok = d.pretree.decode(&d.br)
			if !ok || z > 16 {
				return corrupt("bad pretree run symbol")
			}
			v := byte((int(lens[x]) - z + 17) % 17)
			for n := int(y) + 4; n > 0 && x < last; n-- {
				lens[x] = v
				x++
			}
		default:
			lens[x] = byte((int(lens[x]) - z + 17) % 17)
			x++
		}
	}
	return nil
}

// decodeMatches decodes literals and matches until at least run bytes have
// been produced. The last match may overshoot run.
func (d *Decoder) decodeMatches(run int) (int, error) {
	produced := 0
	for produced < run {
		sym, ok := d.main.decode(&d.br)
		if !ok {
			return 0, corrupt("bad main tree symbol")
		}
		if sym < numChars {
			d.window[d.pos] = byte(sym)
			d.pos = (d.pos + 1) & d.mask
			d.written++
			produced++
			continue
		}
		sym -= numChars
		matchLen := sym & numPrimaryLengths
		if matchLen == numPrimaryLengths {
			footer, ok := d.length.decode(&d.br)
			if !ok {
				return 0, corrupt("bad length tree symbol")
			}
			matchLen += footer
		}
		matchLen += minMatch

		off, err := d.matchOffset(sym >> 3)
		if err != nil {
			return 0, err
		}
		if uint64(off) > d.written || off > d.mask {
			return 0, corrupt("match offset %d out of range", off)
		}
		src := d.pos - off
		for i := 0; i < matchLen; i++ {
			d.window[d.pos] = d.window[src&d.mask]
			d.pos = (d.pos + 1) & d.mask
			src++
		}
		d.written += uint64(matchLen)
		produced += matchLen
	}
	return produced, nil
}

func (d *Decoder) matchOffset(slot int) (uint32, error) {
	switch slot {
	case 0:
		return d.r0, nil
	case 1:
		d.r0, d.r1 = d.r1, d.r0
		return d.r0, nil
	case 2:
		d.r0, d.r2 = d.r2, d.r0
		return d.r0, nil
	}
	if slot >= len(extraBits) {
		return 0, corrupt("position slot %d out of range", slot)
	}
	extra := extraBits[slot]
	off := positionBase[slot] - 2
	switch {
	case d.blockType == blockAligned && extra > 3:
		v, ok := d.br.readBits(extra - 3)
		if !ok {
			return 0, errEOF
		}
		a, ok := d.aligned.decode(&d.br)
		if !ok {
			return 0, corrupt("bad aligned tree symbol")
		}
		off += v<<3 + uint32(a)
	case d.blockType == blockAligned && extra == 3:
		a, ok := d.aligned.decode(&d.br)
		if !ok {
			return 0, corrupt("bad aligned tree symbol")
		}
		off += uint32(a)
	case extra > 0:
		v, ok := d.br.readBits(extra)
		if !ok {
			return 0, errEOF
		}
		off += v
	default:
		off = 1
	}
	d.r2, d.r1, d.r0 = d.r1, d.r0, off
	return off, nil
}

func (d *Decoder) copyRaw(n int) error {
	end := d.pos + uint32(n)
	if end > uint32(len(d.window)) {
		first := uint32(len(d.window)) - d.pos
		if !d.br.readRaw(d.window[d.pos:]) || !d.br.readRaw(d.window[:uint32(n)-first]) {
			return errEOF
		}
	} else if !d.br.readRaw(d.window[d.pos:end]) {
		return errEOF
	}
	d.pos = end & d.mask
	d.written += uint64(n)
	return nil
}

// undoE8 reverts the x86 call translation on one output frame. curPos is the
// stream offset of buf[0].
func undoE8(buf []byte, curPos, fileSize int32) {
	end := len(buf) - 10
	for i := 0; i < end; i++ {
		if buf[i] != 0xE8 {
			continue
		}
		cur := curPos + int32(i)
		abs := int32(binary.LittleEndian.Uint32(buf[i+1:]))
		if abs >= -cur && abs < fileSize {
			rel := abs + fileSize
			if abs >= 0 {
				rel = abs - cur
			}
			binary.LittleEndian.PutUint32(buf[i+1:], uint32(rel))
		}
		i += 4
	}
}
