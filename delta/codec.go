package delta

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
)

// An Applier produces a target file from a base and a delta. The delta
// passed in never carries the leading checksum. base is nil for null
// deltas.
type Applier interface {
	Apply(ctx context.Context, base, delta []byte) ([]byte, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, base, delta []byte) ([]byte, error)

func (f ApplierFunc) Apply(ctx context.Context, base, delta []byte) ([]byte, error) {
	return f(ctx, base, delta)
}

type Options struct {
	// StrictHash turns a target hash mismatch into an error. By default it
	// is logged and reported in Result.HashErr.
	StrictHash bool
	Logger     *log.Logger
}

// Codec applies deltas through an Applier and verifies the results.
type Codec struct {
	applier Applier
	strict  bool
	log     *log.Logger
}

// NewCodec returns a Codec using a. A nil a is allowed; every Apply then
// fails with ErrApplyUnavailable.
func NewCodec(a Applier, opts *Options) *Codec {
	if opts == nil {
		opts = &Options{}
	}
	c := &Codec{applier: a, strict: opts.StrictHash, log: opts.Logger}
	if c.log == nil {
		c.log = log.Default()
	}
	return c
}

// Result is a reconstructed file.
type Result struct {
	Data   []byte
	Header *Header
	// SourceSize and SourceHash describe the base that was used.
	SourceSize int64
	SourceHash string
	// HashErr is a *HashMismatchError when the result did not match the
	// declared target hash and StrictHash is off.
	HashErr error
}

// HashMismatchError is returned or recorded when the SHA-256 of a result
// differs from the target hash in its delta header.
type HashMismatchError struct {
	Want, Got string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("delta: target hash mismatch: want %s, got %s", e.Want, e.Got)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// NeedsBase reports whether deltas of type t patch an existing file.
func NeedsBase(t Type) bool { return t == TypeForward || t == TypeReverse }

// Apply reconstructs the target of patch. Forward and reverse deltas need
// base; null deltas ignore it.
func (c *Codec) Apply(ctx context.Context, base, patch []byte) (*Result, error) {
	h, err := ParseHeader(patch)
	if err != nil {
		return nil, err
	}
	if NeedsBase(h.Type) && base == nil {
		return nil, fmt.Errorf("%w: %v delta", ErrBaseRequired, h.Type)
	}
	if h.Type == TypeNull {
		base = nil
	}
	if c.applier == nil {
		return nil, ErrApplyUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := c.applier.Apply(ctx, base, patch[h.Offset:])
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrApply, err)
	}
	if h.Type != TypeReverse && int64(len(out)) != h.TargetSize {
		return nil, fmt.Errorf("%w: produced %d bytes, header declares %d", ErrApply, len(out), h.TargetSize)
	}

	res := &Result{Data: out, Header: h, SourceSize: int64(len(base))}
	if base != nil {
		sum := sha256.Sum256(base)
		res.SourceHash = hex.EncodeToString(sum[:])
	}
	if len(h.TargetHash) == sha256.Size {
		sum := sha256.Sum256(out)
		if !bytes.Equal(sum[:], h.TargetHash) {
			herr := &HashMismatchError{Want: h.TargetHashHex(), Got: hex.EncodeToString(sum[:])}
			if c.strict {
				return nil, herr
			}
			c.log.Printf("Warning: %v", herr)
			res.HashErr = herr
		}
	}
	return res, nil
}
