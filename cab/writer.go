package cab

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/flate"
)

const maxBlockSize = 32768

// Writer emits a single-folder, single-volume cabinet. Files are buffered by
// Add and written out by Close.
type Writer struct {
	w      io.Writer
	method Method
	files  []writerFile
	total  int64
	closed bool

	// Modified is recorded as the timestamp of every file.
	Modified time.Time
	// Level is the DEFLATE level used for MS-ZIP blocks.
	Level int
}

type writerFile struct {
	name string
	data []byte
}

// NewWriter returns a Writer compressing with m, which must be MethodNone
// or MethodMSZIP.
func NewWriter(w io.Writer, m Method) *Writer {
	return &Writer{w: w, method: m, Level: flate.DefaultCompression}
}

// Add queues a file. Names use backslash separators like Windows does.
func (w *Writer) Add(name string, data []byte) error {
	if w.closed {
		return fmt.Errorf("%w: writer already closed", ErrInvalid)
	}
	if name == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalid)
	}
	if len(w.files) >= math.MaxUint16 {
		return fmt.Errorf("%w: too many files", ErrInvalid)
	}
	if w.total+int64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: folder would exceed 4 GiB", ErrInvalid)
	}
	w.files = append(w.files, writerFile{name, data})
	w.total += int64(len(data))
	return nil
}

// Close writes the cabinet. A cabinet without files is rejected.
func (w *Writer) Close() error {
	if w.closed {
		return fmt.Errorf("%w: writer already closed", ErrInvalid)
	}
	w.closed = true
	if len(w.files) == 0 {
		return fmt.Errorf("%w: a cabinet needs at least one file", ErrInvalid)
	}
	if w.method != MethodNone && w.method != MethodMSZIP {
		return fmt.Errorf("%w: writing %v folders", ErrUnsupported, w.method)
	}

	blocks, err := w.blocks()
	if err != nil {
		return err
	}

	date, tm := timeToMsDosTime(w.Modified)
	var fileTable bytes.Buffer
	var offset uint32
	for _, f := range w.files {
		attribs := uint16(AttribArchive)
		if !isASCII([]byte(f.name)) {
			attribs |= AttribNameIsUTF
		}
		binary.Write(&fileTable, binary.LittleEndian, cfFile{
			CBFile:          uint32(len(f.data)),
			UOffFolderStart: offset,
			IFolder:         0,
			Date:            date,
			Time:            tm,
			Attribs:         attribs,
		})
		fileTable.WriteString(f.name)
		fileTable.WriteByte(0)
		offset += uint32(len(f.data))
	}

	filesOffset := uint32(cfHeaderSize + binary.Size(cfFolder{}))
	dataOffset := filesOffset + uint32(fileTable.Len())
	size := dataOffset
	for _, b := range blocks {
		size += uint32(binary.Size(cfData{}) + len(b.payload))
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, cfHeader{
		Signature:    [4]byte{'M', 'S', 'C', 'F'},
		CBCabinet:    size,
		COFFFiles:    filesOffset,
		VersionMinor: 3,
		VersionMajor: 1,
		CFolders:     1,
		CFiles:       uint16(len(w.files)),
	})
	binary.Write(&out, binary.LittleEndian, cfFolder{
		COFFCabStart: dataOffset,
		CCFData:      uint16(len(blocks)),
		TypeCompress: uint16(w.method),
	})
	out.Write(fileTable.Bytes())
	for _, b := range blocks {
		binary.Write(&out, binary.LittleEndian, b.hdr)
		out.Write(b.payload)
	}
	_, err = w.w.Write(out.Bytes())
	return err
}

type writerBlock struct {
	hdr     cfData
	payload []byte
}

func (w *Writer) blocks() ([]writerBlock, error) {
	var all []byte
	for _, f := range w.files {
		all = append(all, f.data...)
	}
	if len(all)/maxBlockSize >= math.MaxUint16 {
		return nil, fmt.Errorf("%w: folder needs too many data blocks", ErrInvalid)
	}
	var fw *flate.Writer
	var blocks []writerBlock
	for off := 0; off < len(all); off += maxBlockSize {
		chunk := all[off:]
		if len(chunk) > maxBlockSize {
			chunk = chunk[:maxBlockSize]
		}
		payload := chunk
		if w.method == MethodMSZIP {
			var buf bytes.Buffer
			buf.WriteString("CK")
			if fw == nil {
				var err error
				if fw, err = flate.NewWriter(&buf, w.Level); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
				}
			} else {
				fw.Reset(&buf)
			}
			if _, err := fw.Write(chunk); err != nil {
				return nil, err
			}
			if err := fw.Close(); err != nil {
				return nil, err
			}
			payload = buf.Bytes()
		}
		if len(payload) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: compressed block of %d bytes", ErrInvalid, len(payload))
		}
		d := cfData{CBData: uint16(len(payload)), CBUncomp: uint16(len(chunk))}
		d.Checksum = blockChecksum(d, nil, payload)
		blocks = append(blocks, writerBlock{d, payload})
	}
	return blocks, nil
}
