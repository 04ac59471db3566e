package msu

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"git.dolansoft.org/lorenz/msupatch/cab"
	"git.dolansoft.org/lorenz/msupatch/delta"
	"git.dolansoft.org/lorenz/msupatch/msi"
)

type manifestKind int

const (
	manifestCIX manifestKind = iota
	manifestComponent
)

type manifest struct {
	kind      manifestKind
	name      string
	component string
	data      []byte
}

// scanner builds the entry list of a package. Manifests are collected
// while walking the cabinets and replayed afterwards, since a manifest may
// come before the deltas it references.
type scanner struct {
	p         *Package
	manifests []manifest
	// lower-case file name -> delta entry; the last one wins
	byFile map[string]*Entry
	// lower-case component -> lower-case file name -> forward or null delta
	byComponent map[string]map[string]*Entry
	seen        map[string]bool
	// PATCHED paths claimed by a manifest, with or without a delta
	claimed map[string]bool
}

func newScanner(p *Package) *scanner {
	return &scanner{
		p:           p,
		byFile:      make(map[string]*Entry),
		byComponent: make(map[string]map[string]*Entry),
		seen:        make(map[string]bool),
		claimed:     make(map[string]bool),
	}
}

func (s *scanner) root(ctx context.Context, r io.ReaderAt, size int64) error {
	var magic [8]byte
	if n, _ := r.ReadAt(magic[:], 0); msi.Detect(magic[:n]) {
		return s.msi(ctx, r)
	}
	c, err := cab.Open(r, size, s.p.cabOpts)
	if err != nil {
		return err
	}
	s.p.cabs = append(s.p.cabs, c)
	return s.cabinet(ctx, c, "")
}

func (s *scanner) msi(ctx context.Context, r io.ReaderAt) error {
	db, err := msi.Parse(r)
	if err != nil {
		return err
	}
	for _, m := range db.Cabinets {
		var c *cab.Cabinet
		if m.Embedded {
			c, err = cab.Open(bytes.NewReader(m.Data), int64(len(m.Data)), s.p.cabOpts)
		} else if s.p.dir != "" {
			c, err = cab.OpenFile(filepath.Join(s.p.dir, m.Name), s.p.cabOpts)
		} else {
			s.p.log.Printf("Skipping external cabinet %q of MSI opened without a directory", m.Name)
			continue
		}
		if err != nil {
			s.p.log.Printf("Failed to open cabinet %q: %v", m.Name, err)
			continue
		}
		s.p.cabs = append(s.p.cabs, c)
		if err := s.members(ctx, c, "", db.FileMap); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) cabinet(ctx context.Context, c *cab.Cabinet, prefix string) error {
	key := strings.ToLower(prefix)
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true
	return s.members(ctx, c, prefix, nil)
}

// members adds every member of c. Names are mapped through names first if
// given, then prefixed.
func (s *scanner) members(ctx context.Context, c *cab.Cabinet, prefix string, names map[string]string) error {
	for _, f := range c.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		member := f.Name
		if mapped, ok := names[member]; ok {
			member = mapped
		}
		full := slashPath(member)
		if prefix != "" {
			full = prefix + "/" + full
		}
		base := baseName(full)
		lower := strings.ToLower(base)

		switch {
		case strings.HasSuffix(lower, "_manifest_.cix.xml"):
			s.manifest(ctx, c, f, full, manifestCIX, "")
		case strings.HasSuffix(lower, ".manifest"):
			s.manifest(ctx, c, f, full, manifestComponent, trimExt(base))
		case strings.HasSuffix(lower, ".mum"):
			data, err := c.ReadFile(ctx, f)
			if err != nil {
				s.p.log.Printf("Failed to read %q: %v", full, err)
				s.addMember(ctx, c, f, full, base)
				continue
			}
			s.addDirect("METADATA/"+base, data)
		case strings.HasSuffix(lower, ".cab"):
			s.nested(ctx, c, f, full, lower)
		default:
			s.addMember(ctx, c, f, full, base)
		}
	}
	return nil
}

func (s *scanner) manifest(ctx context.Context, c *cab.Cabinet, f *cab.File, full string, kind manifestKind, component string) {
	base := baseName(full)
	data, err := c.ReadFile(ctx, f)
	if err != nil {
		s.p.log.Printf("Failed to read manifest %q: %v", full, err)
		s.addMember(ctx, c, f, full, base)
		return
	}
	s.manifests = append(s.manifests, manifest{kind: kind, name: full, component: component, data: data})
	s.addDirect("METADATA/"+base, data)
}

func (s *scanner) nested(ctx context.Context, c *cab.Cabinet, f *cab.File, full, lower string) {
	if lower == "wsusscan.cab" || strings.HasPrefix(lower, "ssu-") {
		return
	}
	data, err := c.ReadFile(ctx, f)
	if err != nil {
		s.p.log.Printf("Failed to read nested cabinet %q: %v", full, err)
		return
	}
	nc, err := cab.Open(bytes.NewReader(data), int64(len(data)), s.p.cabOpts)
	if err != nil {
		s.p.log.Printf("Skipping nested cabinet %q: %v", full, err)
		return
	}
	s.p.cabs = append(s.p.cabs, nc)
	if err := s.cabinet(ctx, nc, trimExt(full)); err != nil {
		s.p.log.Printf("Failed to scan nested cabinet %q: %v", full, err)
	}
}

func (s *scanner) addDirect(name string, data []byte) {
	s.p.add(&Entry{
		Name:     name,
		Kind:     KindDirect,
		Size:     int64(len(data)),
		Metadata: true,
		data:     data,
	})
}

func (s *scanner) addMember(ctx context.Context, c *cab.Cabinet, f *cab.File, full, base string) {
	folder := deltaFolder(full)
	meta := isMetadata(base)
	isDelta := folder != FolderNone || strings.HasSuffix(strings.ToLower(base), ".p_")

	e := &Entry{
		Name:     full,
		Kind:     KindCab,
		Size:     int64(f.Size),
		Metadata: meta,
		Arch:     detectArch(full),
		Folder:   folder,
		cab:      c,
		file:     f,
		fileName: base,
	}
	switch {
	case isDelta:
		e.Name = "DELTA/" + full
		e.Kind = KindDelta
		e.Component, _ = deltaComponent(full)
	case meta:
		e.Name = "METADATA/" + base
	}
	if meta && !isDelta && e.Size < s.p.metaLimit {
		if data, err := c.ReadFile(ctx, f); err == nil {
			e.data = data
			e.Kind = KindDirect
		} else {
			s.p.log.Printf("Failed to cache %q: %v", full, err)
		}
	}
	if !s.p.add(e) || !isDelta {
		return
	}

	name := strings.ToLower(base)
	if folder == FolderForward || folder == FolderNull {
		comp := strings.ToLower(e.Component)
		if s.byComponent[comp] == nil {
			s.byComponent[comp] = make(map[string]*Entry)
		}
		s.byComponent[comp][name] = e
	}
	s.byFile[name] = e
}

// replay turns the file elements of every manifest that reference a delta
// into virtual entries. A failing manifest is logged and skipped.
func (s *scanner) replay() {
	for _, m := range s.manifests {
		var err error
		switch m.kind {
		case manifestCIX:
			err = s.replayCIX(m)
		case manifestComponent:
			err = s.replayComponent(m)
		}
		if err != nil {
			s.p.log.Printf("Skipping manifest %q: %v", m.name, err)
		}
	}
}

func (s *scanner) replayCIX(m manifest) error {
	c, err := parseContainerIndex(m.data)
	if err != nil {
		return err
	}
	ids := make(map[string]cixFile)
	for _, f := range c.Files {
		if f.ID != "" && f.Name != "" {
			ids[f.ID] = f
		}
	}
	for _, f := range c.Files {
		if f.Name == "" || isMetadata(f.Name) || f.Delta == nil {
			continue
		}
		src := f.Delta.Source
		if !isDeltaType(src.Type) || src.Name == "" {
			continue
		}
		vpath := "PATCHED/" + slashPath(f.Name)
		if !s.claim(vpath) {
			continue
		}
		patch := s.byFile[strings.ToLower(baseName(src.Name))]
		if patch == nil {
			s.p.log.Printf("No delta %q for %q in %s", src.Name, f.Name, m.name)
			continue
		}
		e := &Entry{
			Name:      vpath,
			Kind:      KindVirtual,
			Arch:      detectArch(f.Name),
			Folder:    patch.Folder,
			Component: patch.Component,
			Hash:      strings.ToLower(f.Hash.Value),
			patch:     patch,
			basis:     ids[f.Delta.Basis.File].Name,
			basisHash: strings.ToLower(ids[f.Delta.Basis.File].Hash.Value),
			fileName:  baseName(f.Name),
		}
		if f.Length != "" {
			n, err := strconv.ParseInt(f.Length, 10, 64)
			if err != nil {
				s.p.log.Printf("Invalid length %q for %q in %s", f.Length, f.Name, m.name)
			} else {
				e.Size = n
			}
		}
		s.p.add(e)
	}
	return nil
}

func (s *scanner) replayComponent(m manifest) error {
	files, err := parseComponentManifest(m.data)
	comp := s.byComponent[strings.ToLower(m.component)]
	for _, f := range files {
		if f.Name == "" || f.DestinationPath == "" || isMetadata(f.Name) {
			continue
		}
		vpath := "PATCHED/" + installPath(f.DestinationPath, f.Name)
		if !s.claim(vpath) {
			continue
		}
		patch := comp[strings.ToLower(f.Name)]
		if patch == nil && f.SourceName != "" {
			patch = comp[strings.ToLower(f.SourceName)]
		}
		if patch == nil {
			continue
		}
		s.p.add(&Entry{
			Name:      vpath,
			Kind:      KindVirtual,
			Arch:      detectArch(m.component),
			Folder:    patch.Folder,
			Component: patch.Component,
			patch:     patch,
			fileName:  f.Name,
		})
	}
	// elements before a syntax error are still used
	return err
}

// claim reserves vpath for the calling manifest element. The first
// element naming a path owns it even if its delta turns out to be missing.
func (s *scanner) claim(vpath string) bool {
	key := nameKey(vpath)
	if s.claimed[key] {
		return false
	}
	s.claimed[key] = true
	_, taken := s.p.Entry(vpath)
	return !taken
}

// sizeVirtual fills in the size of virtual entries without a declared
// length from the target size in their delta header.
func (s *scanner) sizeVirtual(ctx context.Context) {
	for _, e := range s.p.entries {
		if e.Kind != KindVirtual || e.Size != 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		data, err := s.p.read(ctx, e.patch)
		if err != nil {
			s.p.log.Printf("Failed to read delta %q: %v", e.patch.Name, err)
			continue
		}
		h, err := delta.ParseHeader(data)
		if err != nil {
			s.p.log.Printf("Delta %q: %v", e.patch.Name, err)
			continue
		}
		e.Size = h.TargetSize
	}
}
