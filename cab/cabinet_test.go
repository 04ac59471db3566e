package cab

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
)

type rawBlock struct {
	payload []byte
	uncomp  int
}

type rawFolder struct {
	comp   uint16
	blocks []rawBlock
}

type rawFile struct {
	name   string
	offset uint32
	size   uint32
	folder uint16
}

type rawCabinet struct {
	flags         uint16
	headerReserve []byte
	folderReserve int
	dataReserve   int
	prev, next    string
	folders       []rawFolder
	files         []rawFile
}

// build lays out a cabinet by hand so tests can produce structures the
// writer never emits.
func (rc rawCabinet) build() []byte {
	flags := rc.flags
	if rc.headerReserve != nil || rc.folderReserve != 0 || rc.dataReserve != 0 {
		flags |= hdrReservePresent
	}
	if rc.prev != "" {
		flags |= hdrPrevCabinet
	}
	if rc.next != "" {
		flags |= hdrNextCabinet
	}

	var pre bytes.Buffer
	if flags&hdrReservePresent != 0 {
		binary.Write(&pre, binary.LittleEndian, cfHeaderReserve{
			CBCFHeader: uint16(len(rc.headerReserve)),
			CBCFFolder: uint8(rc.folderReserve),
			CBCFData:   uint8(rc.dataReserve),
		})
		pre.Write(rc.headerReserve)
	}
	if rc.prev != "" {
		pre.WriteString(rc.prev + "\x00disk\x00")
	}
	if rc.next != "" {
		pre.WriteString(rc.next + "\x00disk\x00")
	}

	var files bytes.Buffer
	for _, f := range rc.files {
		binary.Write(&files, binary.LittleEndian, cfFile{CBFile: f.size, UOffFolderStart: f.offset, IFolder: f.folder})
		files.WriteString(f.name + "\x00")
	}

	folderTable := len(rc.folders) * (8 + rc.folderReserve)
	filesOffset := cfHeaderSize + pre.Len() + folderTable
	dataOffset := filesOffset + files.Len()

	var folders, data bytes.Buffer
	for _, fl := range rc.folders {
		binary.Write(&folders, binary.LittleEndian, cfFolder{
			COFFCabStart: uint32(dataOffset + data.Len()),
			CCFData:      uint16(len(fl.blocks)),
			TypeCompress: fl.comp,
		})
		folders.Write(make([]byte, rc.folderReserve))
		for _, b := range fl.blocks {
			reserve := bytes.Repeat([]byte{0xAA}, rc.dataReserve)
			d := cfData{CBData: uint16(len(b.payload)), CBUncomp: uint16(b.uncomp)}
			d.Checksum = blockChecksum(d, reserve, b.payload)
			binary.Write(&data, binary.LittleEndian, d)
			data.Write(reserve)
			data.Write(b.payload)
		}
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, cfHeader{
		Signature:    [4]byte{'M', 'S', 'C', 'F'},
		CBCabinet:    uint32(dataOffset + data.Len()),
		COFFFiles:    uint32(filesOffset),
		VersionMinor: 3,
		VersionMajor: 1,
		CFolders:     uint16(len(rc.folders)),
		CFiles:       uint16(len(rc.files)),
		Flags:        flags,
	})
	out.Write(pre.Bytes())
	out.Write(folders.Bytes())
	out.Write(files.Bytes())
	out.Write(data.Bytes())
	return out.Bytes()
}

func storedFolder(data string) rawFolder {
	return rawFolder{comp: uint16(MethodNone), blocks: []rawBlock{{[]byte(data), len(data)}}}
}

func quietOptions() *Options {
	return &Options{Logger: log.New(io.Discard, "", 0), VerifyChecksums: true}
}

func readAll(t *testing.T, c *Cabinet) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, f := range c.Files() {
		data, err := c.ReadFile(context.Background(), f)
		if err != nil {
			t.Fatalf("ReadFile(%q) = %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func TestFolderAssignment(t *testing.T) {
	rc := rawCabinet{
		folders: []rawFolder{storedFolder("helloworld"), storedFolder("abcdefg")},
		files: []rawFile{
			{"a.txt", 0, 5, 0},
			{"b.txt", 5, 5, 0},
			{"c.txt", 0, 3, 1},
			{"d.txt", 3, 4, 1},
		},
	}
	raw := rc.build()
	c, err := Open(bytes.NewReader(raw), int64(len(raw)), quietOptions())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	got := readAll(t, c)
	want := map[string]string{"a.txt": "hello", "b.txt": "world", "c.txt": "abc", "d.txt": "defg"}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s = %q, want %q", name, got[name], w)
		}
	}
	if s := c.Folders()[0].Size(); s != 10 {
		t.Errorf("folder 0 size = %d, want 10", s)
	}
	if s := c.Folders()[1].Size(); s != 7 {
		t.Errorf("folder 1 size = %d, want 7", s)
	}
}

func TestSplitFilesSkipped(t *testing.T) {
	rc := rawCabinet{
		folders: []rawFolder{storedFolder("helloworld")},
		files: []rawFile{
			{"a.txt", 0, 5, 0},
			{"split.txt", 5, 100, ifoldContinuedToNext},
		},
	}
	raw := rc.build()
	var logs bytes.Buffer
	opts := quietOptions()
	opts.Logger = log.New(&logs, "", 0)
	c, err := Open(bytes.NewReader(raw), int64(len(raw)), opts)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if names := c.FileList(); len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("FileList() = %v, want [a.txt]", names)
	}
	if want := "Skipping split file \"split.txt\"\n"; logs.String() != want {
		t.Errorf("log = %q, want %q", logs.String(), want)
	}
}

func TestReserveAreas(t *testing.T) {
	rc := rawCabinet{
		headerReserve: []byte("signature"),
		folderReserve: 3,
		dataReserve:   5,
		folders:       []rawFolder{storedFolder("reserved!")},
		files:         []rawFile{{"r.txt", 0, 9, 0}},
	}
	raw := rc.build()
	c, err := Open(bytes.NewReader(raw), int64(len(raw)), quietOptions())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if h := c.Header(); string(h.Reserve) != "signature" || h.FolderReserve != 3 || h.DataReserve != 5 {
		t.Errorf("Header() = %+v", h)
	}
	if got := readAll(t, c)["r.txt"]; got != "reserved!" {
		t.Errorf("r.txt = %q", got)
	}
}

func TestOpenErrors(t *testing.T) {
	valid := rawCabinet{
		folders: []rawFolder{storedFolder("x")},
		files:   []rawFile{{"x", 0, 1, 0}},
	}
	badVersion := valid.build()
	badVersion[24] = 4

	spanned := valid
	spanned.next = "next.cab"

	quantum := valid
	quantum.folders = []rawFolder{{comp: uint16(MethodQuantum), blocks: []rawBlock{{[]byte("x"), 1}}}}

	unknown := valid
	unknown.folders = []rawFolder{{comp: 0x7, blocks: []rawBlock{{[]byte("x"), 1}}}}

	wideLZX := valid
	wideLZX.folders = []rawFolder{{comp: uint16(MethodLZX) | 22<<8, blocks: []rawBlock{{[]byte("x"), 1}}}}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"not a cabinet", []byte(strings.Repeat("not a cabinet at all ", 10)), ErrFormat},
		{"bad version", badVersion, ErrFormat},
		{"truncated", valid.build()[:40], ErrFormat},
		{"spanned", spanned.build(), ErrUnsupported},
		{"quantum", quantum.build(), ErrUnsupported},
		{"unknown method", unknown.build(), ErrUnsupported},
		{"lzx window", wideLZX.build(), ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tt.data), int64(len(tt.data)), quietOptions())
			if !errors.Is(err, tt.want) {
				t.Errorf("Open() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSpannedNames(t *testing.T) {
	rc := rawCabinet{
		prev:    "prev.cab",
		next:    "next.cab",
		folders: []rawFolder{storedFolder("x")},
		files:   []rawFile{{"x", 0, 1, 0}},
	}
	raw := rc.build()
	_, err := Open(bytes.NewReader(raw), int64(len(raw)), quietOptions())
	if !errors.Is(err, ErrUnsupported) || !strings.Contains(err.Error(), "next.cab") {
		t.Errorf("Open() = %v", err)
	}
}

func TestEmbeddedCabinet(t *testing.T) {
	files := testFiles(5, 3)
	raw := writeCabinet(t, MethodMSZIP, files)

	// an executable stub with a stray signature that is not a cabinet header
	stub := append([]byte("MZ\x90\x00"), bytes.Repeat([]byte{0xCC}, 1000)...)
	stub = append(stub, []byte("MSCF\x01\x02\x03\x04")...)
	stub = append(stub, bytes.Repeat([]byte{0x00}, 70000)...)
	embedded := append(append([]byte{}, stub...), raw...)
	embedded = append(embedded, []byte("trailing overlay")...)

	plain, err := Open(bytes.NewReader(raw), int64(len(raw)), quietOptions())
	if err != nil {
		t.Fatalf("Open(plain) = %v", err)
	}
	inner, err := Open(bytes.NewReader(embedded), int64(len(embedded)), quietOptions())
	if err != nil {
		t.Fatalf("Open(embedded) = %v", err)
	}
	if inner.Offset() != int64(len(stub)) {
		t.Errorf("Offset() = %d, want %d", inner.Offset(), len(stub))
	}
	a, b := readAll(t, plain), readAll(t, inner)
	if len(a) != len(files) || len(a) != len(b) {
		t.Fatalf("got %d and %d files, want %d", len(a), len(b), len(files))
	}
	for name, data := range a {
		if b[name] != data {
			t.Errorf("embedded %q differs", name)
		}
	}
}

func TestChecksumMismatch(t *testing.T) {
	raw := writeCabinet(t, MethodNone, []testFile{{"a", []byte("some data to be checksummed")}})
	raw[len(raw)-1] ^= 0xFF
	c, err := Open(bytes.NewReader(raw), int64(len(raw)), quietOptions())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if _, err := c.ReadFile(context.Background(), c.Files()[0]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("ReadFile() = %v, want ErrCorrupt", err)
	}

	c, err = Open(bytes.NewReader(raw), int64(len(raw)), &Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if _, err := c.ReadFile(context.Background(), c.Files()[0]); err != nil {
		t.Errorf("ReadFile() without verification = %v", err)
	}
}

// lzxStored encodes data as a single LZX uncompressed block.
func lzxStored(data []byte) []byte {
	var words []byte
	var cur uint16
	var n uint
	bits := func(v uint32, k uint) {
		for i := int(k) - 1; i >= 0; i-- {
			cur = cur<<1 | uint16(v>>uint(i)&1)
			n++
			if n == 16 {
				words = append(words, byte(cur), byte(cur>>8))
				cur, n = 0, 0
			}
		}
	}
	bits(0, 1)
	bits(3, 3)
	bits(uint32(len(data))>>8, 16)
	bits(uint32(len(data))&0xFF, 8)
	bits(0, 16-n)
	words = append(words, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0)
	words = append(words, data...)
	if len(data)%2 == 1 {
		words = append(words, 0)
	}
	return words
}

func TestLZXFolder(t *testing.T) {
	content := "LZX folders decode through the shared block codec."
	rc := rawCabinet{
		folders: []rawFolder{{
			comp:   uint16(MethodLZX) | 16<<8,
			blocks: []rawBlock{{lzxStored([]byte(content)), len(content)}},
		}},
		files: []rawFile{
			{"first", 0, 3, 0},
			{"second", 3, uint32(len(content) - 3), 0},
		},
	}
	raw := rc.build()
	for _, threshold := range []int64{0, -1} {
		opts := quietOptions()
		opts.CacheThreshold = threshold
		c, err := Open(bytes.NewReader(raw), int64(len(raw)), opts)
		if err != nil {
			t.Fatalf("Open() = %v", err)
		}
		if wb := c.Folders()[0].WindowBits(); wb != 16 {
			t.Errorf("WindowBits() = %d", wb)
		}
		got := readAll(t, c)
		if got["first"]+got["second"] != content {
			t.Errorf("threshold %d: got %q + %q", threshold, got["first"], got["second"])
		}
	}
}

func TestContent(t *testing.T) {
	raw := writeCabinet(t, MethodMSZIP, []testFile{{"a\\b.txt", []byte("content")}})
	c, err := Open(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := c.Content("a\\b.txt")
	if err != nil {
		t.Fatalf("Content() = %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil || string(data) != "content" {
		t.Errorf("Content() = %q, %v", data, err)
	}
	if _, err := c.Content("missing"); err == nil {
		t.Error("Content(missing) succeeded")
	}
}
