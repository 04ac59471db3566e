package cab

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"git.dolansoft.org/lorenz/msupatch/lzx"
)

// blockDecoder decompresses the CFDATA payloads of one folder in order.
// Implementations may keep state between blocks; reset starts a new pass
// over the folder.
type blockDecoder interface {
	decode(dst, src []byte) error
	reset()
}

func newBlockDecoder(f *Folder) (blockDecoder, error) {
	switch f.Method() {
	case MethodNone:
		return storedDecoder{}, nil
	case MethodMSZIP:
		return &mszipDecoder{}, nil
	case MethodLZX:
		d, err := lzx.NewDecoder(f.WindowBits())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return lzxDecoder{d}, nil
	}
	return nil, fmt.Errorf("%w: compression method %v", ErrUnsupported, f.Method())
}

type storedDecoder struct{}

func (storedDecoder) decode(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: compressed bytes %d do not equal uncompressed bytes %d when no compression was specified", ErrCorrupt, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

func (storedDecoder) reset() {}

// mszipDecoder inflates each block as its own raw DEFLATE stream after the
// "CK" signature. The previous block's output is the preset dictionary.
type mszipDecoder struct {
	src  bytes.Reader
	fr   io.ReadCloser
	dict []byte
}

func (m *mszipDecoder) decode(dst, src []byte) error {
	if len(src) < 2 || src[0] != 'C' || src[1] != 'K' {
		return fmt.Errorf("%w: invalid MS-ZIP signature", ErrCorrupt)
	}
	m.src.Reset(src[2:])
	if m.fr == nil {
		m.fr = flate.NewReaderDict(&m.src, m.dict)
	} else if err := m.fr.(flate.Resetter).Reset(&m.src, m.dict); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if _, err := io.ReadFull(m.fr, dst); err != nil {
		return fmt.Errorf("%w: MS-ZIP block: %v", ErrCorrupt, err)
	}
	m.dict = append(m.dict[:0], dst...)
	return nil
}

func (m *mszipDecoder) reset() {
	m.dict = m.dict[:0]
}

type lzxDecoder struct {
	d *lzx.Decoder
}

func (l lzxDecoder) decode(dst, src []byte) error {
	if err := l.d.Decode(dst, src); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

func (l lzxDecoder) reset() { l.d.Reset() }
