// Package delta reads the headers of Windows update delta files (PA30
// forward, PA19 reverse and PA31 null deltas) and drives an external patch
// engine to apply them.
package delta

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFormat means the data is not a delta or its header is malformed.
	ErrFormat = errors.New("delta: invalid delta header")
	// ErrBaseRequired is returned when a delta that patches a base file is
	// applied without one.
	ErrBaseRequired = errors.New("delta: base file required")
	// ErrApplyUnavailable is returned when no patch engine is configured.
	ErrApplyUnavailable = errors.New("delta: no patch engine available")
	// ErrApply wraps failures of the patch engine.
	ErrApply = errors.New("delta: applying patch failed")
	// ErrHashMismatch reports a result that does not match the declared
	// target hash.
	ErrHashMismatch = errors.New("delta: target hash mismatch")
)

// Type is the delta magic, stored little endian.
type Type uint32

const (
	TypeNone    Type = 0
	TypeForward Type = 0x30334150 // PA30
	TypeReverse Type = 0x39314150 // PA19
	TypeNull    Type = 0x31334150 // PA31
)

func (t Type) String() string {
	switch t {
	case TypeForward:
		return "PA30"
	case TypeReverse:
		return "PA19"
	case TypeNull:
		return "PA31"
	}
	return "none"
}

// CALG_SHA_256
const HashAlgSHA256 = 0x800C

// Classify returns the delta type of b and the offset of its magic, which
// is 4 when a checksum precedes it.
func Classify(b []byte) (Type, int) {
	for _, off := range []int{4, 0} {
		if len(b) < off+4 {
			continue
		}
		switch t := Type(binary.LittleEndian.Uint32(b[off:])); t {
		case TypeForward, TypeReverse, TypeNull:
			return t, off
		}
	}
	return TypeNone, 0
}

// Header is the parsed header of a delta file.
type Header struct {
	Type Type
	// Offset is the position of the magic; a checksum occupies the bytes
	// before it.
	Offset   int
	Checksum uint32
	// FileTime is the target's timestamp as a Windows FILETIME.
	FileTime      uint64
	FileTypeSet   uint64
	FileType      uint64
	Flags         uint64
	TargetSize    int64
	TargetHashAlg uint32
	TargetHash    []byte
	// BodyOffset is the position of the first byte after the header.
	BodyOffset int
}

// TargetHashHex returns the target hash in lowercase hex.
func (h *Header) TargetHashHex() string { return hex.EncodeToString(h.TargetHash) }

// Modified converts FileTime to a time.Time.
func (h *Header) Modified() time.Time {
	// 100ns intervals since 1601-01-01
	const epochDelta = 116444736000000000
	if h.FileTime < epochDelta {
		return time.Time{}
	}
	t := h.FileTime - epochDelta
	return time.Unix(int64(t/1e7), int64(t%1e7)*100).UTC()
}

// ParseHeader parses the header of a delta file. Reverse deltas are only
// classified; their header fields stay zero.
func ParseHeader(b []byte) (*Header, error) {
	t, off := Classify(b)
	if t == TypeNone {
		return nil, fmt.Errorf("%w: no delta signature", ErrFormat)
	}
	h := &Header{Type: t, Offset: off, BodyOffset: off + 4}
	if off == 4 {
		h.Checksum = binary.LittleEndian.Uint32(b)
	}
	if t == TypeReverse {
		return h, nil
	}
	if len(b) < off+12 {
		return nil, fmt.Errorf("%w: truncated header", ErrFormat)
	}
	h.FileTime = binary.LittleEndian.Uint64(b[off+4:])
	start := off + 12
	r, err := NewBitReader(b[start:])
	if err != nil {
		return nil, err
	}
	if h.FileTypeSet, err = r.ReadNumber64(); err != nil {
		return nil, err
	}
	if h.FileType, err = r.ReadNumber64(); err != nil {
		return nil, err
	}
	if h.Flags, err = r.ReadNumber64(); err != nil {
		return nil, err
	}
	size, err := r.ReadNumber64()
	if err != nil {
		return nil, err
	}
	h.TargetSize = int64(size)
	if h.TargetHashAlg, err = r.ReadNumber32(); err != nil {
		return nil, err
	}
	hash, err := r.ReadBuffer()
	if err != nil {
		return nil, err
	}
	// anything longer than a SHA-256 digest is not a hash we know
	if len(hash) <= 32 {
		h.TargetHash = hash
	}
	h.BodyOffset = start + r.Offset()
	return h, nil
}

// EncodeHeader serializes h followed by body. A non-zero Checksum is
// written in front of the magic.
func EncodeHeader(h *Header, body []byte) []byte {
	var out []byte
	if h.Checksum != 0 {
		out = binary.LittleEndian.AppendUint32(out, h.Checksum)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(h.Type))
	if h.Type == TypeReverse {
		return append(out, body...)
	}
	out = binary.LittleEndian.AppendUint64(out, h.FileTime)
	w := NewBitWriter()
	w.WriteNumber64(h.FileTypeSet)
	w.WriteNumber64(h.FileType)
	w.WriteNumber64(h.Flags)
	w.WriteNumber64(uint64(h.TargetSize))
	w.WriteNumber32(h.TargetHashAlg)
	w.WriteBuffer(h.TargetHash)
	out = append(out, w.Bytes()...)
	return append(out, body...)
}
