// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cab

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

type cfData struct {
	Checksum uint32 // checksum of this CFDATA entry
	CBData   uint16 // number of compressed bytes in this block
	CBUncomp uint16 // number of uncompressed bytes in this block
}

// Folder is a CFFOLDER entry: a run of data blocks compressed as one
// stream.
type Folder struct {
	Index int
	// DataOffset is the offset of the first CFDATA block from the start of
	// the cabinet.
	DataOffset  uint32
	Blocks      uint16
	Compression uint16
	Files       []*File

	cab  *Cabinet
	size int64

	// mu serializes every read of the folder since the decoder and the
	// cache are shared.
	mu    sync.Mutex
	dec   blockDecoder
	cache []byte
}

// Method returns the folder's compression method.
func (f *Folder) Method() Method { return Method(f.Compression & compMask) }

// WindowBits returns the LZX window size exponent.
func (f *Folder) WindowBits() int { return int(f.Compression>>8) & 0x1f }

// Size returns the folder's uncompressed size, the largest end offset of its
// files.
func (f *Folder) Size() int64 { return f.size }

func (f *Folder) cached() bool {
	return f.cab.cacheThreshold >= 0 && f.size <= f.cab.cacheThreshold
}

func (f *Folder) read(ctx context.Context, file *File) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached() {
		return f.readCached(ctx, file)
	}
	return f.readStreaming(ctx, file)
}

// readCached decompresses the whole folder once and serves files as
// sub-ranges of the buffer.
func (f *Folder) readCached(ctx context.Context, file *File) ([]byte, error) {
	if f.cache == nil {
		buf := make([]byte, 0, f.size)
		err := f.walk(ctx, func(_ int64, block []byte) bool {
			buf = append(buf, block...)
			return true
		})
		if err != nil {
			return nil, err
		}
		if int64(len(buf)) < f.size {
			return nil, fmt.Errorf("%w: folder %d holds %d bytes, files need %d", ErrCorrupt, f.Index, len(buf), f.size)
		}
		f.cache = buf
	}
	out := make([]byte, file.Size)
	copy(out, f.cache[file.Offset:])
	return out, nil
}

// readStreaming decodes blocks from the start of the folder and copies only
// the part overlapping the file, stopping once the file is covered.
func (f *Folder) readStreaming(ctx context.Context, file *File) ([]byte, error) {
	out := make([]byte, file.Size)
	if file.Size == 0 {
		return out, nil
	}
	start := int64(file.Offset)
	end := start + int64(file.Size)
	var covered int64
	err := f.walk(ctx, func(pos int64, block []byte) bool {
		blockEnd := pos + int64(len(block))
		lo, hi := pos, blockEnd
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		if lo < hi {
			copy(out[lo-start:], block[lo-pos:hi-pos])
			covered += hi - lo
		}
		return blockEnd < end
	})
	if err != nil {
		return nil, err
	}
	if covered != int64(file.Size) {
		return nil, fmt.Errorf("%w: folder %d ended before file %q was complete", ErrCorrupt, f.Index, file.Name)
	}
	return out, nil
}

// walk decodes the folder's blocks from the first one and hands each block's
// output to fn with its offset in the folder stream. It stops when fn
// returns false or the blocks run out.
func (f *Folder) walk(ctx context.Context, fn func(pos int64, block []byte) bool) error {
	if f.dec == nil {
		dec, err := newBlockDecoder(f)
		if err != nil {
			return err
		}
		f.dec = dec
	}
	f.dec.reset()

	c := f.cab
	r := bufio.NewReader(io.NewSectionReader(c.r, int64(f.DataOffset), int64(c.hdr.Size)-int64(f.DataOffset)))
	reserve := make([]byte, c.hdr.DataReserve)
	var payload, block []byte
	var pos int64
	for i := 0; i < int(f.Blocks); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var d cfData
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return fmt.Errorf("%w: could not deserialize data structure %d of folder %d: %v", ErrCorrupt, i, f.Index, err)
		}
		if _, err := io.ReadFull(r, reserve); err != nil {
			return fmt.Errorf("%w: could not read reserve of data block %d: %v", ErrCorrupt, i, err)
		}
		payload = grow(payload, int(d.CBData))
		raw := ExactReader(r, int64(d.CBData))
		if _, err := io.ReadFull(raw, payload); err != nil {
			return fmt.Errorf("%w: data block %d of folder %d truncated: %v", ErrCorrupt, i, f.Index, err)
		}
		if c.verify && d.Checksum != 0 {
			if sum := blockChecksum(d, reserve, payload); sum != d.Checksum {
				return fmt.Errorf("%w: checksum of data block %d is %#08x, want %#08x", ErrCorrupt, i, sum, d.Checksum)
			}
		}
		block = grow(block, int(d.CBUncomp))
		if err := f.dec.decode(block, payload); err != nil {
			return fmt.Errorf("data block %d of folder %d: %w", i, f.Index, err)
		}
		if !fn(pos, block) {
			return nil
		}
		pos += int64(len(block))
	}
	return nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (f *Folder) release() {
	f.mu.Lock()
	f.cache = nil
	f.dec = nil
	f.mu.Unlock()
}
