// Package msu presents a Windows update package as one flat file tree.
//
// A package is a cabinet, possibly nested several levels deep, holding
// component manifests, container indexes and delta patches. Besides the
// stored members the tree contains one PATCHED/ entry per file a manifest
// declares as the result of a delta; those are reconstructed on first read
// by applying the delta to its basis file.
package msu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/sync/singleflight"

	"git.dolansoft.org/lorenz/msupatch/cab"
	"git.dolansoft.org/lorenz/msupatch/delta"
)

var (
	// ErrNotFound is returned for names that are not in the package.
	ErrNotFound = errors.New("msu: entry not found")
	// ErrClosed is returned by reads after Close.
	ErrClosed = errors.New("msu: package closed")
)

const (
	DefaultCacheLimit    = 1 << 20
	DefaultMetadataLimit = 64 << 10
	DefaultCacheEntries  = 256
)

type Options struct {
	// Cabinet configures every cabinet of the package.
	Cabinet cab.Options
	// Applier reconstructs files from deltas. Without one PATCHED entries
	// are listed but fail to read.
	Applier delta.Applier
	// StrictHash makes hash mismatches of reconstructed files fatal.
	StrictHash bool
	// Locator finds basis files for forward deltas. Nil means a
	// StoreLocator searching Store.
	Locator BasisLocator
	// Store is the component store (a WinSxS directory) used by the
	// default locator.
	Store string
	// CacheLimit is the largest reconstructed file kept in memory. Zero
	// means DefaultCacheLimit, negative disables the cache.
	CacheLimit int64
	// MetadataLimit is the largest metadata member loaded at open. Zero
	// means DefaultMetadataLimit.
	MetadataLimit int64
	// CacheEntries bounds the number of cached reconstructions.
	CacheEntries int
	Logger       *log.Logger
}

// Package is an opened update package. It is safe for concurrent use.
type Package struct {
	log        *log.Logger
	codec      *delta.Codec
	locator    BasisLocator
	strict     bool
	cabOpts    *cab.Options
	cacheLimit int64
	metaLimit  int64
	dir        string

	cabs    []*cab.Cabinet
	closers []io.Closer
	entries []*Entry
	byName  map[string]*Entry

	cache *arc.ARCCache[string, []byte]
	group singleflight.Group

	mu     sync.RWMutex
	closed bool
}

// OpenFile opens the package stored in the named file. External cabinets
// referenced by an MSI database are looked up next to it.
func OpenFile(ctx context.Context, name string, opts *Options) (*Package, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p, err := open(ctx, f, fi.Size(), filepath.Dir(name), opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.closers = append(p.closers, f)
	return p, nil
}

// Open scans the package in r. The root may be a cabinet, possibly
// embedded in a larger stream, or an MSI database.
func Open(ctx context.Context, r io.ReaderAt, size int64, opts *Options) (*Package, error) {
	return open(ctx, r, size, "", opts)
}

func open(ctx context.Context, r io.ReaderAt, size int64, dir string, opts *Options) (*Package, error) {
	if opts == nil {
		opts = &Options{}
	}
	p := &Package{
		log:        opts.Logger,
		strict:     opts.StrictHash,
		cacheLimit: opts.CacheLimit,
		metaLimit:  opts.MetadataLimit,
		dir:        dir,
		byName:     make(map[string]*Entry),
	}
	if p.log == nil {
		p.log = log.Default()
	}
	if p.cacheLimit == 0 {
		p.cacheLimit = DefaultCacheLimit
	}
	if p.metaLimit <= 0 {
		p.metaLimit = DefaultMetadataLimit
	}
	cabOpts := opts.Cabinet
	if cabOpts.Logger == nil {
		cabOpts.Logger = p.log
	}
	p.cabOpts = &cabOpts
	p.codec = delta.NewCodec(opts.Applier, &delta.Options{StrictHash: opts.StrictHash, Logger: p.log})
	p.locator = opts.Locator
	if p.locator == nil {
		p.locator = NewStoreLocator(opts.Store, p.codec, p.log)
	}
	entries := opts.CacheEntries
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := arc.NewARC[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	p.cache = cache

	s := newScanner(p)
	if err := s.root(ctx, r, size); err != nil {
		p.Close()
		return nil, err
	}
	s.replay()
	s.sizeVirtual(ctx)
	if err := ctx.Err(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Entries returns all entries in scan order.
func (p *Package) Entries() []*Entry { return p.entries }

// Entry looks up an entry by name. Names compare case-insensitively.
func (p *Package) Entry(name string) (*Entry, bool) {
	e, ok := p.byName[nameKey(name)]
	return e, ok
}

// Names returns the entry names sorted.
func (p *Package) Names() []string {
	names := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// ReadFile returns the content of the named entry.
func (p *Package) ReadFile(ctx context.Context, name string) ([]byte, error) {
	e, ok := p.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, err := p.read(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	return bytes.Clone(data), nil
}

// Open returns a reader over the content of the named entry. Stored
// members are streamed from their cabinet.
func (p *Package) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	e, ok := p.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.data == nil && (e.Kind == KindCab || e.Kind == KindDelta) {
		if err := p.checkOpen(); err != nil {
			return nil, err
		}
		rc, err := e.cab.Open(ctx, e.file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
		return rc, nil
	}
	data, err := p.read(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// read returns the bytes of e. The result may be shared and must not be
// modified.
func (p *Package) read(ctx context.Context, e *Entry) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if e.data != nil {
		return e.data, nil
	}
	switch e.Kind {
	case KindCab, KindDelta:
		return e.cab.ReadFile(ctx, e.file)
	case KindVirtual:
		return p.reconstruct(ctx, e)
	}
	return nil, fmt.Errorf("entry of kind %v has no data", e.Kind)
}

func (p *Package) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close releases every cabinet of the package. It is safe to call more
// than once.
func (p *Package) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, c := range p.cabs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.cache.Purge()
	return errors.Join(errs...)
}

func (p *Package) add(e *Entry) bool {
	key := nameKey(e.Name)
	if prev, ok := p.byName[key]; ok {
		p.log.Printf("Duplicate entry %q (%v), keeping the %v entry", e.Name, e.Kind, prev.Kind)
		return false
	}
	p.byName[key] = e
	p.entries = append(p.entries, e)
	return true
}

func nameKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
}
