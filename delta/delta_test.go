package delta

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log"
	"os/exec"
	"reflect"
	"testing"
	"time"
)

func quietCodec(a Applier, strict bool) *Codec {
	return NewCodec(a, &Options{StrictHash: strict, Logger: log.New(io.Discard, "", 0)})
}

func makeDelta(typ Type, checksum uint32, target []byte, body string) []byte {
	h := &Header{
		Type:          typ,
		Checksum:      checksum,
		FileTime:      132000000000000000,
		FileTypeSet:   1,
		FileType:      1,
		TargetSize:    int64(len(target)),
		TargetHashAlg: HashAlgSHA256,
	}
	sum := sha256.Sum256(target)
	h.TargetHash = sum[:]
	return EncodeHeader(h, []byte(body))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    Type
		wantOff int
	}{
		{"forward", []byte("PA30xxxxxxxx"), TypeForward, 0},
		{"reverse", []byte("PA19"), TypeReverse, 0},
		{"null with checksum", []byte("\x01\x02\x03\x04PA31"), TypeNull, 4},
		{"checksum looks like magic", []byte("PA30PA19"), TypeReverse, 4},
		{"not a delta", []byte("MSCF\x00\x00\x00\x00"), TypeNone, 0},
		{"short", []byte("PA3"), TypeNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, off := Classify(tt.in)
			if typ != tt.want || off != tt.wantOff {
				t.Errorf("Classify() = %v, %d, want %v, %d", typ, off, tt.want, tt.wantOff)
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	for _, checksum := range []uint32{0, 0xdeadbeef} {
		target := bytes.Repeat([]byte("target"), 100)
		raw := makeDelta(TypeForward, checksum, target, "BODY")
		h, err := ParseHeader(raw)
		if err != nil {
			t.Fatalf("ParseHeader() = %v", err)
		}
		sum := sha256.Sum256(target)
		want := &Header{
			Type:          TypeForward,
			Checksum:      checksum,
			FileTime:      132000000000000000,
			FileTypeSet:   1,
			FileType:      1,
			TargetSize:    600,
			TargetHashAlg: HashAlgSHA256,
			TargetHash:    sum[:],
			BodyOffset:    len(raw) - 4,
		}
		if checksum != 0 {
			want.Offset = 4
		}
		if !reflect.DeepEqual(h, want) {
			t.Errorf("ParseHeader() = %+v, want %+v", h, want)
		}
		if got := string(raw[h.BodyOffset:]); got != "BODY" {
			t.Errorf("body = %q", got)
		}
		if m := h.Modified(); m.Year() != 2019 || m.Location() != time.UTC {
			t.Errorf("Modified() = %v", m)
		}
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"no magic", []byte("hello world")},
		{"truncated timestamp", []byte("PA30\x00\x00")},
		{"truncated fields", []byte("PA30\x00\x00\x00\x00\x00\x00\x00\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHeader(tt.in); !errors.Is(err, ErrFormat) {
				t.Errorf("ParseHeader() = %v, want ErrFormat", err)
			}
		})
	}
	h, err := ParseHeader([]byte("PA19anything"))
	if err != nil || h.Type != TypeReverse || h.BodyOffset != 4 {
		t.Errorf("ParseHeader(PA19) = %+v, %v", h, err)
	}
}

func TestNullDeltaWithoutBase(t *testing.T) {
	target := bytes.Repeat([]byte{0xAB}, 1234)
	raw := makeDelta(TypeNull, 0x11223344, target, "compressed")
	var gotBase, gotDelta []byte
	a := ApplierFunc(func(ctx context.Context, base, delta []byte) ([]byte, error) {
		gotBase, gotDelta = base, delta
		return bytes.Repeat([]byte{0xAB}, 1234), nil
	})
	res, err := quietCodec(a, true).Apply(context.Background(), []byte("ignored"), raw)
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if int64(len(res.Data)) != res.Header.TargetSize || len(res.Data) != 1234 {
		t.Errorf("len(Data) = %d, target size %d", len(res.Data), res.Header.TargetSize)
	}
	if gotBase != nil {
		t.Error("null delta was given a base")
	}
	if !bytes.Equal(gotDelta, raw[4:]) {
		t.Error("applier did not receive the delta without its checksum")
	}
	if res.HashErr != nil || res.SourceSize != 0 {
		t.Errorf("HashErr = %v, SourceSize = %d", res.HashErr, res.SourceSize)
	}
}

func TestForwardHashMismatch(t *testing.T) {
	target := []byte("the real target file")
	raw := makeDelta(TypeForward, 0, target, "")
	wrong := []byte("a forged target file")
	a := ApplierFunc(func(ctx context.Context, base, delta []byte) ([]byte, error) {
		return wrong, nil
	})

	res, err := quietCodec(a, false).Apply(context.Background(), []byte("base"), raw)
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if !errors.Is(res.HashErr, ErrHashMismatch) {
		t.Errorf("HashErr = %v, want ErrHashMismatch", res.HashErr)
	}
	if !bytes.Equal(res.Data, wrong) {
		t.Error("non-strict Apply dropped the data")
	}

	_, err = quietCodec(a, true).Apply(context.Background(), []byte("base"), raw)
	var herr *HashMismatchError
	if !errors.As(err, &herr) || !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("strict Apply() = %v, want *HashMismatchError", err)
	}
	sum := sha256.Sum256(target)
	if herr.Want != (&Header{TargetHash: sum[:]}).TargetHashHex() {
		t.Errorf("Want = %s", herr.Want)
	}
}

func TestForwardHashMatch(t *testing.T) {
	target := []byte("the real target file")
	raw := makeDelta(TypeForward, 0, target, "")
	// the source hash of the base is not part of verification
	for _, base := range [][]byte{[]byte("v1"), []byte("something else")} {
		a := ApplierFunc(func(ctx context.Context, b, delta []byte) ([]byte, error) {
			if !bytes.Equal(b, base) {
				t.Errorf("applier got base %q, want %q", b, base)
			}
			return target, nil
		})
		res, err := quietCodec(a, true).Apply(context.Background(), base, raw)
		if err != nil {
			t.Fatalf("Apply() = %v", err)
		}
		if res.HashErr != nil || res.SourceSize != int64(len(base)) || res.SourceHash == "" {
			t.Errorf("Result = %+v", res)
		}
	}
}

func TestApplyErrors(t *testing.T) {
	target := []byte("target")
	forward := makeDelta(TypeForward, 0, target, "")
	failing := ApplierFunc(func(ctx context.Context, base, delta []byte) ([]byte, error) {
		return nil, errors.New("engine exploded")
	})
	short := ApplierFunc(func(ctx context.Context, base, delta []byte) ([]byte, error) {
		return []byte("tar"), nil
	})
	tests := []struct {
		name  string
		codec *Codec
		base  []byte
		patch []byte
		want  error
	}{
		{"base required", quietCodec(short, false), nil, forward, ErrBaseRequired},
		{"no applier", quietCodec(nil, false), []byte("b"), forward, ErrApplyUnavailable},
		{"applier fails", quietCodec(failing, false), []byte("b"), forward, ErrApply},
		{"wrong size", quietCodec(short, false), []byte("b"), forward, ErrApply},
		{"not a delta", quietCodec(short, false), []byte("b"), []byte("garbage!"), ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.codec.Apply(context.Background(), tt.base, tt.patch); !errors.Is(err, tt.want) {
				t.Errorf("Apply() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestApplyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := ApplierFunc(func(ctx context.Context, base, delta []byte) ([]byte, error) {
		t.Error("applier called with a cancelled context")
		return nil, ctx.Err()
	})
	raw := makeDelta(TypeNull, 0, []byte("x"), "")
	if _, err := quietCodec(a, false).Apply(ctx, nil, raw); !errors.Is(err, context.Canceled) {
		t.Errorf("Apply() = %v, want context.Canceled", err)
	}
}

func TestExecApplier(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh available")
	}
	e := &ExecApplier{
		Path: "sh",
		Args: []string{"-c", `cat "$0" "$1" > "$2"`, "{base}", "{delta}", "{out}"},
		Dir:  t.TempDir(),
	}
	out, err := e.Apply(context.Background(), []byte("base+"), []byte("delta"))
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if string(out) != "base+delta" {
		t.Errorf("Apply() = %q", out)
	}

	e.Args = []string{"-c", "echo broken >&2; exit 3"}
	if _, err := e.Apply(context.Background(), nil, []byte("delta")); err == nil {
		t.Error("Apply() of a failing tool succeeded")
	}

	missing := &ExecApplier{Path: "/nonexistent/patch-tool"}
	if _, err := missing.Apply(context.Background(), nil, nil); !errors.Is(err, ErrApplyUnavailable) {
		t.Errorf("Apply() with missing tool = %v, want ErrApplyUnavailable", err)
	}
}
