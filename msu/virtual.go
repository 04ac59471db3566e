package msu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"git.dolansoft.org/lorenz/msupatch/delta"
)

// chainKey holds the virtual entries being reconstructed by the current
// call chain, so a basis that refers back to itself fails instead of
// waiting on its own reconstruction.
type chainKey struct{}

// reconstruct produces the bytes of a virtual entry. Concurrent callers
// for the same entry share one reconstruction, which runs under the
// context of the first caller.
func (p *Package) reconstruct(ctx context.Context, e *Entry) ([]byte, error) {
	key := nameKey(e.Name)
	if data, ok := p.cache.Get(key); ok {
		return data, nil
	}
	chain, _ := ctx.Value(chainKey{}).([]string)
	for _, k := range chain {
		if k == key {
			return nil, fmt.Errorf("basis cycle through %s", e.Name)
		}
	}
	ctx = context.WithValue(ctx, chainKey{}, append(chain[:len(chain):len(chain)], key))
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if data, ok := p.cache.Get(key); ok {
			return data, nil
		}
		data, err := p.apply(ctx, e)
		if err != nil {
			return nil, err
		}
		if p.cacheLimit > 0 && int64(len(data)) < p.cacheLimit {
			p.cache.Add(key, data)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Package) apply(ctx context.Context, e *Entry) ([]byte, error) {
	if e.patch == nil {
		return nil, fmt.Errorf("no delta for %s", e.Name)
	}
	patch, err := p.read(ctx, e.patch)
	if err != nil {
		return nil, fmt.Errorf("reading delta %s: %w", e.patch.Name, err)
	}
	h, err := delta.ParseHeader(patch)
	if err != nil {
		return nil, fmt.Errorf("delta %s: %w", e.patch.Name, err)
	}

	var base []byte
	if delta.NeedsBase(h.Type) {
		base, err = p.basis(ctx, e)
		if err != nil {
			p.log.Printf("No basis for %s: %v", e.Name, err)
		}
	}
	res, err := p.codec.Apply(ctx, base, patch)
	if err != nil {
		return nil, err
	}
	if e.Hash != "" {
		sum := sha256.Sum256(res.Data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, e.Hash) {
			herr := &delta.HashMismatchError{Want: e.Hash, Got: got}
			if p.strict {
				return nil, herr
			}
			p.log.Printf("Warning: %s: %v", e.Name, herr)
		}
	}
	return res.Data, nil
}

// basis finds the file a forward or reverse delta applies to. A basis
// named by a container index is looked up in the package first.
func (p *Package) basis(ctx context.Context, e *Entry) ([]byte, error) {
	if e.basis != "" {
		for _, name := range []string{"PATCHED/" + slashPath(e.basis), slashPath(e.basis)} {
			b, ok := p.Entry(name)
			if !ok || b == e {
				continue
			}
			data, err := p.read(ctx, b)
			if err != nil {
				p.log.Printf("Basis %s for %s unreadable: %v", b.Name, e.Name, err)
				continue
			}
			if !hashMatches(data, e.basisHash) {
				p.log.Printf("Basis %s for %s has another hash than %s", b.Name, e.Name, e.basisHash)
				continue
			}
			return data, nil
		}
	}
	data, err := p.locator.Locate(ctx, BasisRequest{
		Component: e.Component,
		FileName:  e.patch.fileName,
		Name:      e.basis,
		Hash:      e.basisHash,
	})
	if err != nil {
		if errors.Is(err, ErrBasisNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("locating basis: %w", err)
	}
	return data, nil
}
