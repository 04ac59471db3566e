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

// Package cab implements a reader and a minimal writer for the Microsoft
// Cabinet file format, including MS-ZIP and LZX compressed folders and
// cabinets embedded behind an executable stub.
//
// Normative references for this implementation are [MS-CAB] for the Cabinet
// file format and [MS-MCI] for the Microsoft ZIP Compression and Decompression
// Data Structure.
//
// [MS-CAB]: http://download.microsoft.com/download/4/d/a/4da14f27-b4ef-4170-a6e6-5b1ef85b1baa/[ms-cab].pdf
// [MS-MCI]: http://interoperability.blob.core.windows.net/files/MS-MCI/[MS-MCI].pdf
package cab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"git.dolansoft.org/lorenz/msupatch/lzx"
)

var (
	// ErrFormat means the input is not a cabinet or its tables are truncated.
	ErrFormat = errors.New("cab: not a valid cabinet")
	// ErrCorrupt means a data block could not be decoded.
	ErrCorrupt = errors.New("cab: corrupt data")
	// ErrUnsupported is returned for spanned cabinets and unknown
	// compression methods.
	ErrUnsupported = errors.New("cab: unsupported feature")
	// ErrInvalid is returned for writer misuse.
	ErrInvalid = errors.New("cab: invalid argument")
)

// DefaultCacheThreshold is the folder size up to which a folder is
// decompressed once and kept in memory.
const DefaultCacheThreshold = 10 << 20

// Options configures a Cabinet. The zero value selects the defaults.
type Options struct {
	// CacheThreshold is the largest folder that is decompressed as a whole
	// and cached. Zero means DefaultCacheThreshold, negative disables
	// caching.
	CacheThreshold int64
	// VerifyChecksums enables CFDATA checksum verification.
	VerifyChecksums bool
	Logger         *log.Logger
}

// Cabinet provides read-only access to Microsoft Cabinet files.
type Cabinet struct {
	r       io.ReaderAt
	base    int64
	hdr     Header
	folders []*Folder
	files   []*File
	byName  map[string]*File

	cacheThreshold int64
	verify         bool
	log            *log.Logger
	closer         io.Closer
}

type cfHeader struct {
	Signature    [4]byte
	Reserved1    uint32
	CBCabinet    uint32 // size of this cabinet file in bytes
	Reserved2    uint32
	COFFFiles    uint32 // offset of the first CFFILE entry
	Reserved3    uint32 // reserved
	VersionMinor uint8  // cabinet file format version, minor
	VersionMajor uint8  // cabinet file format version, major
	CFolders     uint16 // number of CFFOLDER entries in this cabinet
	CFiles       uint16 // number of CFFILE entries in this cabinet
	Flags        uint16 // cabinet file option indicators
	SetID        uint16 // must be the same for all cabinets in a set
	ICabinet     uint16 // number of this cabinet file in a set
}

const cfHeaderSize = 36

// cfHeaderReserve is present right after cfHeader if the RESERVE_PRESENT flag is set
type cfHeaderReserve struct {
	// Indicates the size, in bytes, of the abReserve field in this CFHEADER structure.
	CBCFHeader uint16
	// Indicates the size, in bytes, of the abReserve field in each CFFOLDER field entry.
	CBCFFolder uint8
	// The cbCFDATA field indicates the size, in bytes, of the abReserve field in each CFDATA field entry.
	CBCFData uint8
}

const (
	hdrPrevCabinet uint16 = 1 << iota
	hdrNextCabinet
	hdrReservePresent
)

type cfFolder struct {
	COFFCabStart uint32 // offset of the first CFDATA block in this folder
	CCFData      uint16 // number of CFDATA blocks in this folder
	TypeCompress uint16 // compression type indicator
}

// Method is the compression method of a folder, the low nibble of the
// CFFOLDER compression type.
type Method uint8

const (
	MethodNone    Method = 0x0
	MethodMSZIP   Method = 0x1
	MethodQuantum Method = 0x2
	MethodLZX     Method = 0x3
)

const compMask uint16 = 0xf

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodMSZIP:
		return "mszip"
	case MethodQuantum:
		return "quantum"
	case MethodLZX:
		return "lzx"
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

type cfFile struct {
	CBFile          uint32 // uncompressed size of this file in bytes
	UOffFolderStart uint32 // uncompressed offset of this file in the folder
	IFolder         uint16 // index into the CFFOLDER area
	Date            uint16 // date stamp for this file
	Time            uint16 // time stamp for this file
	Attribs         uint16 // attribute flags for this file
}

const (
	AttribReadOnly = 1 << iota // file is read-only
	AttribHidden               // file is hidden
	AttribSystem               // file is a system file
	_
	_
	AttribArchive   // file modified since last backup
	AttribExec      // run after extraction
	AttribNameIsUTF // filename is UTF-encoded
)

// Folder indices marking files continued from or into another cabinet.
const (
	ifoldContinuedFromPrev    = 0xFFFD
	ifoldContinuedToNext      = 0xFFFE
	ifoldContinuedPrevAndNext = 0xFFFF
)

// Header is the parsed CFHEADER.
type Header struct {
	VersionMajor, VersionMinor uint8
	// Size is the declared size of the whole cabinet.
	Size    uint32
	Flags   uint16
	SetID   uint16
	Index   uint16
	Reserve []byte
	// FolderReserve and DataReserve are the per-CFFOLDER and per-CFDATA
	// reserve sizes.
	FolderReserve int
	DataReserve   int

	PrevCabinet, PrevDisk string
	NextCabinet, NextDisk string
}

// File is a CFFILE entry.
type File struct {
	// Name of the file including path, with backslash separators.
	Name string
	// Size is the uncompressed size in bytes.
	Size uint32
	// Offset is the uncompressed offset within the folder.
	Offset uint32
	// FolderIndex is the folder index declared in the file table.
	FolderIndex uint16
	Date, Time  uint16
	Attribs     uint16

	folder *Folder
}

// Folder returns the folder holding the file's data.
func (f *File) Folder() *Folder { return f.folder }

// Modified returns the DOS timestamp as a time in UTC.
func (f *File) Modified() time.Time { return msDosTimeToTime(f.Date, f.Time) }

func (f *File) split() bool {
	return f.FolderIndex >= ifoldContinuedFromPrev
}

// Locate returns the offset of the first plausible cabinet header in r.
func Locate(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 64 << 10
	buf := make([]byte, chunk+3)
	for off := int64(0); off < size; off += chunk {
		n, err := r.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("could not scan for cabinet signature: %w", err)
		}
		for i := 0; i+4 <= n; {
			j := bytes.Index(buf[i:n], []byte("MSCF"))
			if j < 0 {
				break
			}
			cand := off + int64(i+j)
			if plausibleHeader(r, cand, size) {
				return cand, nil
			}
			i += j + 1
		}
	}
	return 0, fmt.Errorf("%w: no cabinet signature found", ErrFormat)
}

func plausibleHeader(r io.ReaderAt, off, size int64) bool {
	var raw [cfHeaderSize]byte
	if _, err := r.ReadAt(raw[:], off); err != nil {
		return false
	}
	var hdr cfHeader
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &hdr); err != nil {
		return false
	}
	return hdr.Reserved1 == 0 && hdr.Reserved2 == 0 && hdr.Reserved3 == 0 &&
		hdr.VersionMajor == 1 && hdr.VersionMinor == 3 &&
		int64(hdr.CBCabinet) <= size-off && hdr.COFFFiles < hdr.CBCabinet
}

// OpenFile opens the cabinet stored in the named file. The file is closed
// by Close.
func OpenFile(name string, opts *Options) (*Cabinet, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	c, err := Open(f, fi.Size(), opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// Open locates the cabinet in r and parses its header, folder and file
// tables. File data is decompressed lazily.
func Open(r io.ReaderAt, size int64, opts *Options) (*Cabinet, error) {
	if opts == nil {
		opts = &Options{}
	}
	base, err := Locate(r, size)
	if err != nil {
		return nil, err
	}
	c := &Cabinet{
		base:           base,
		cacheThreshold: opts.CacheThreshold,
		verify:         opts.VerifyChecksums,
		log:            opts.Logger,
	}
	if c.cacheThreshold == 0 {
		c.cacheThreshold = DefaultCacheThreshold
	}
	if c.log == nil {
		c.log = log.Default()
	}
	if err := c.parse(r, size); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cabinet) parse(ra io.ReaderAt, size int64) error {
	// CFHEADER
	r := io.NewSectionReader(ra, c.base, size-c.base)
	var hdr cfHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: could not deserialize header: %v", ErrFormat, err)
	}
	if !bytes.Equal(hdr.Signature[:], []byte("MSCF")) {
		return fmt.Errorf("%w: invalid Cabinet file signature: %v", ErrFormat, hdr.Signature)
	}
	if hdr.Reserved1 != 0 || hdr.Reserved2 != 0 || hdr.Reserved3 != 0 {
		return fmt.Errorf("%w: reserved fields must be zero: %v, %v, %v", ErrFormat, hdr.Reserved1, hdr.Reserved2, hdr.Reserved3)
	}
	if hdr.VersionMajor != 1 || hdr.VersionMinor != 3 {
		return fmt.Errorf("%w: Cabinet file version has unsupported version %d.%d", ErrFormat, hdr.VersionMajor, hdr.VersionMinor)
	}
	c.r = io.NewSectionReader(ra, c.base, int64(hdr.CBCabinet))
	c.hdr = Header{
		VersionMajor: hdr.VersionMajor,
		VersionMinor: hdr.VersionMinor,
		Size:         hdr.CBCabinet,
		Flags:        hdr.Flags,
		SetID:        hdr.SetID,
		Index:        hdr.ICabinet,
	}

	br := bufio.NewReader(r)
	if (hdr.Flags & hdrReservePresent) != 0 {
		var reserveHdr cfHeaderReserve
		if err := binary.Read(br, binary.LittleEndian, &reserveHdr); err != nil {
			return fmt.Errorf("%w: could not deserialize reserved header: %v", ErrFormat, err)
		}
		c.hdr.Reserve = make([]byte, reserveHdr.CBCFHeader)
		if _, err := io.ReadFull(br, c.hdr.Reserve); err != nil {
			return fmt.Errorf("%w: failed to read app-specific header: %v", ErrFormat, err)
		}
		c.hdr.FolderReserve = int(reserveHdr.CBCFFolder)
		c.hdr.DataReserve = int(reserveHdr.CBCFData)
	}
	var err error
	if (hdr.Flags & hdrPrevCabinet) != 0 {
		if c.hdr.PrevCabinet, err = readName(br); err == nil {
			c.hdr.PrevDisk, err = readName(br)
		}
		if err != nil {
			return fmt.Errorf("%w: could not read previous cabinet name: %v", ErrFormat, err)
		}
	}
	if (hdr.Flags & hdrNextCabinet) != 0 {
		if c.hdr.NextCabinet, err = readName(br); err == nil {
			c.hdr.NextDisk, err = readName(br)
		}
		if err != nil {
			return fmt.Errorf("%w: could not read next cabinet name: %v", ErrFormat, err)
		}
	}
	if (hdr.Flags & (hdrPrevCabinet | hdrNextCabinet)) != 0 {
		return fmt.Errorf("%w: multi-part Cabinet files (prev %q, next %q)", ErrUnsupported, c.hdr.PrevCabinet, c.hdr.NextCabinet)
	}

	// CFFOLDER
	for i := 0; i < int(hdr.CFolders); i++ {
		var fldr cfFolder
		if err := binary.Read(br, binary.LittleEndian, &fldr); err != nil {
			return fmt.Errorf("%w: could not deserialize folder %d: %v", ErrFormat, i, err)
		}
		if _, err := br.Discard(c.hdr.FolderReserve); err != nil {
			return fmt.Errorf("%w: could not skip reserve of folder %d: %v", ErrFormat, i, err)
		}
		f := &Folder{
			Index:       i,
			DataOffset:  fldr.COFFCabStart,
			Blocks:      fldr.CCFData,
			Compression: fldr.TypeCompress,
			cab:         c,
		}
		switch f.Method() {
		case MethodNone, MethodMSZIP:
		case MethodLZX:
			if wb := f.WindowBits(); wb < lzx.MinWindowBits || wb > lzx.MaxWindowBits {
				return fmt.Errorf("%w: LZX window of 2^%d in folder %d", ErrUnsupported, wb, i)
			}
		default:
			return fmt.Errorf("%w: folder compressed with unsupported algorithm %d", ErrUnsupported, fldr.TypeCompress)
		}
		c.folders = append(c.folders, f)
	}

	// CFFILE
	fr := bufio.NewReader(io.NewSectionReader(c.r, int64(hdr.COFFFiles), int64(hdr.CBCabinet)-int64(hdr.COFFFiles)))
	c.byName = make(map[string]*File)
	var lastFolder int
	var lastOffset uint32
	for i := 0; i < int(hdr.CFiles); i++ {
		var cf cfFile
		if err := binary.Read(fr, binary.LittleEndian, &cf); err != nil {
			return fmt.Errorf("%w: could not deserialize file %d: %v", ErrFormat, i, err)
		}
		fn, err := fr.ReadBytes('\x00')
		if err != nil {
			return fmt.Errorf("%w: could not read filename for file %d: %v", ErrFormat, i, err)
		}
		f := &File{
			Name:        decodeFileName(fn[:len(fn)-1], cf.Attribs),
			Size:        cf.CBFile,
			Offset:      cf.UOffFolderStart,
			FolderIndex: cf.IFolder,
			Date:        cf.Date,
			Time:        cf.Time,
			Attribs:     cf.Attribs,
		}
		// Files are assigned to folders by their offsets: an offset going
		// backwards starts the next folder.
		if cf.UOffFolderStart < lastOffset {
			lastFolder++
		}
		lastOffset = cf.UOffFolderStart
		if f.split() {
			c.log.Printf("Skipping split file %q", f.Name)
			continue
		}
		if lastFolder >= len(c.folders) {
			c.log.Printf("Dropping file %q, it lies past the last folder", f.Name)
			continue
		}
		if int(f.FolderIndex) != lastFolder {
			c.log.Printf("File %q declares folder %d but is read from folder %d", f.Name, f.FolderIndex, lastFolder)
		}
		f.folder = c.folders[lastFolder]
		f.folder.Files = append(f.folder.Files, f)
		c.files = append(c.files, f)
		if _, ok := c.byName[f.Name]; !ok {
			c.byName[f.Name] = f
		}
	}
	for _, f := range c.folders {
		for _, file := range f.Files {
			if end := int64(file.Offset) + int64(file.Size); end > f.size {
				f.size = end
			}
		}
	}
	return nil
}

func readName(r *bufio.Reader) (string, error) {
	b, err := r.ReadBytes('\x00')
	if err != nil {
		return "", err
	}
	return string(b[:len(b)-1]), nil
}

// decodeFileName interprets names without the UTF attribute in the OEM code
// page.
func decodeFileName(b []byte, attribs uint16) string {
	if attribs&AttribNameIsUTF != 0 || isASCII(b) {
		if !utf8.Valid(b) {
			return string(bytes.ToValidUTF8(b, []byte("_")))
		}
		return string(b)
	}
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// Header returns the parsed cabinet header.
func (c *Cabinet) Header() Header { return c.hdr }

// Offset returns the position of the cabinet inside the stream it was
// opened from.
func (c *Cabinet) Offset() int64 { return c.base }

// Files returns the file entries in file table order.
func (c *Cabinet) Files() []*File { return c.files }

// Folders returns the folder entries.
func (c *Cabinet) Folders() []*Folder { return c.folders }

// FileList returns the list of filenames in the Cabinet file.
func (c *Cabinet) FileList() []string {
	var names []string
	for _, f := range c.files {
		names = append(names, f.Name)
	}
	return names
}

// File returns the first file entry with the given name.
func (c *Cabinet) File(name string) (*File, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// ReadFile returns the full content of f.
func (c *Cabinet) ReadFile(ctx context.Context, f *File) ([]byte, error) {
	if f.folder == nil || f.folder.cab != c {
		return nil, fmt.Errorf("file %q does not belong to this cabinet", f.Name)
	}
	return f.folder.read(ctx, f)
}

// Open returns a reader over the content of f.
func (c *Cabinet) Open(ctx context.Context, f *File) (io.ReadCloser, error) {
	data, err := c.ReadFile(ctx, f)
	if err != nil {
		return nil, err
	}
	return ExactReader(bytes.NewReader(data), int64(f.Size)), nil
}

// Content returns the content of the file specified by its filename as an
// io.Reader.
func (c *Cabinet) Content(name string) (io.Reader, error) {
	f, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("file %q not found in Cabinet", name)
	}
	return c.Open(context.Background(), f)
}

// Close releases cached folder data and the underlying file if the cabinet
// was opened with OpenFile.
func (c *Cabinet) Close() error {
	for _, f := range c.folders {
		f.release()
	}
	if c.closer != nil {
		err := c.closer.Close()
		c.closer = nil
		return err
	}
	return nil
}
