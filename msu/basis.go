package msu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/golang-lru/arc/v2"

	"git.dolansoft.org/lorenz/msupatch/delta"
)

// ErrBasisNotFound is returned by a BasisLocator that has no file for a
// request.
var ErrBasisNotFound = errors.New("msu: basis file not found")

// BasisRequest describes the file a delta applies to.
type BasisRequest struct {
	// Component is the component folder of the delta, for example
	// amd64_microsoft-windows-foo_31bf3856ad364e35_10.0.19041.1_none_0123.
	Component string
	// FileName is the bare name of the delta, which equals the name of
	// the file it patches.
	FileName string
	// Name is a basis file name declared by a container index.
	Name string
	// Hash optionally restricts matches to a SHA-256 in hex.
	Hash string
}

// A BasisLocator finds basis files outside the package.
type BasisLocator interface {
	Locate(ctx context.Context, req BasisRequest) ([]byte, error)
}

// DefaultMaxMatches bounds the recursive component store search.
const DefaultMaxMatches = 10

// StoreLocator searches a component store the way the servicing stack
// lays it out: one directory per component version holding the current
// file and, under r/, the reverse delta back to the original. Create it
// with NewStoreLocator.
type StoreLocator struct {
	// Store is the component store root (a WinSxS directory). Empty
	// disables the component and recursive search.
	Store string
	// Dirs are searched directly, in order, after the component search.
	Dirs       []string
	MaxMatches int

	codec *delta.Codec
	log   *log.Logger
	paths *arc.ARCCache[string, string]
}

// NewStoreLocator returns a locator for store. The current directory and
// the System32 and SysWOW64 siblings of store are searched as well. codec
// applies reverse deltas found in the store.
func NewStoreLocator(store string, codec *delta.Codec, logger *log.Logger) *StoreLocator {
	if logger == nil {
		logger = log.Default()
	}
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if store != "" {
		windows := filepath.Dir(store)
		dirs = append(dirs, filepath.Join(windows, "System32"), filepath.Join(windows, "SysWOW64"))
	}
	paths, _ := arc.NewARC[string, string](DefaultCacheEntries)
	return &StoreLocator{
		Store:      store,
		Dirs:       dirs,
		MaxMatches: DefaultMaxMatches,
		codec:      codec,
		log:        logger,
		paths:      paths,
	}
}

func (l *StoreLocator) Locate(ctx context.Context, req BasisRequest) ([]byte, error) {
	if req.Component != "" && req.FileName != "" && l.Store != "" {
		if data, ok := l.fromComponent(ctx, req); ok {
			return data, nil
		}
	}
	name := req.Name
	if name == "" {
		name = req.FileName
	}
	name = baseName(name)
	if name == "" {
		return nil, ErrBasisNotFound
	}
	return l.search(ctx, name, req.Hash)
}

// fromComponent looks for the same component at other versions. A reverse
// delta next to the current file turns it back into the original release,
// which is what forward deltas are built against.
func (l *StoreLocator) fromComponent(ctx context.Context, req BasisRequest) ([]byte, bool) {
	parts := strings.Split(req.Component, "_")
	if len(parts) < 5 {
		return nil, false
	}
	arch, name, token, version, lang := parts[0], parts[1], parts[2], parts[3], parts[4]
	dirs, err := filepath.Glob(filepath.Join(l.Store, arch+"_"+name+"_"+token+"_*_"+lang+"_*"))
	if err != nil {
		return nil, false
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return nil, false
		}
		if strings.Contains(filepath.Base(dir), "_"+version+"_") {
			continue
		}
		current, err := os.ReadFile(filepath.Join(dir, req.FileName))
		if err != nil {
			continue
		}
		if reverse, err := os.ReadFile(filepath.Join(dir, "r", req.FileName)); err == nil && l.codec != nil {
			res, err := l.codec.Apply(ctx, current, reverse)
			if err == nil {
				return res.Data, true
			}
			l.log.Printf("Reverse delta in %s failed, using current file: %v", dir, err)
		}
		return current, true
	}
	return nil, false
}

func (l *StoreLocator) search(ctx context.Context, name, hash string) ([]byte, error) {
	key := strings.ToLower(name)
	if p, ok := l.paths.Get(key); ok {
		if data, err := os.ReadFile(p); err == nil && hashMatches(data, hash) {
			return data, nil
		}
		l.paths.Remove(key)
	}
	dirs := append([]string{}, l.Dirs...)
	if l.Store != "" {
		dirs = append(dirs, l.Store)
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := filepath.Join(dir, name)
		if data, err := os.ReadFile(p); err == nil && hashMatches(data, hash) {
			l.paths.Add(key, p)
			return data, nil
		}
		if dir != l.Store {
			continue
		}
		for _, p := range l.walk(ctx, dir, name) {
			if data, err := os.ReadFile(p); err == nil && hashMatches(data, hash) {
				l.paths.Add(key, p)
				return data, nil
			}
		}
	}
	return nil, ErrBasisNotFound
}

// walk returns up to MaxMatches files below root named name.
func (l *StoreLocator) walk(ctx context.Context, root, name string) []string {
	limit := l.MaxMatches
	if limit <= 0 {
		limit = DefaultMaxMatches
	}
	var matches []string
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable directories are skipped
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), name) {
			matches = append(matches, p)
			if len(matches) >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	return matches
}

func hashMatches(data []byte, want string) bool {
	if want == "" {
		return true
	}
	sum := sha256.Sum256(data)
	return strings.EqualFold(hex.EncodeToString(sum[:]), want)
}
