package cab

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/flate"
)

func deflateBlock(t *testing.T, data, dict []byte) []byte {
	t.Helper()
	buf := bytes.NewBufferString("CK")
	fw, err := flate.NewWriterDict(buf, flate.BestCompression, dict)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMSZIPPresetDictionary(t *testing.T) {
	first := make([]byte, 4096)
	rand.New(rand.NewSource(7)).Read(first)
	second := append([]byte{}, first...)
	block1 := deflateBlock(t, first, nil)
	block2 := deflateBlock(t, second, first)
	if len(block2) > 200 {
		t.Fatalf("second block is %d bytes, it does not reference the first", len(block2))
	}
	// without the dictionary the second block cannot be inflated
	if out, err := io.ReadAll(flate.NewReader(bytes.NewReader(block2[2:]))); err == nil && bytes.Equal(out, second) {
		t.Fatal("second block decodes without a dictionary")
	}

	rc := rawCabinet{
		folders: []rawFolder{{
			comp: uint16(MethodMSZIP),
			blocks: []rawBlock{
				{block1, len(first)},
				{block2, len(second)},
			},
		}},
		files: []rawFile{
			{"first", 0, uint32(len(first)), 0},
			{"second", uint32(len(first)), uint32(len(second)), 0},
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
		got := readAll(t, c)
		if got["first"] != string(first) || got["second"] != string(second) {
			t.Errorf("threshold %d: content differs", threshold)
		}
		c.Close()
	}
}
