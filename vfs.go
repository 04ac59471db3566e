package main

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"git.dolansoft.org/lorenz/msupatch/msu"
)

type RedirectingWith string

const RedirectingWithRedirectOnly RedirectingWith = "redirect-only"

// VFS is a clang VFS overlay. Without an extraction directory the file
// inodes carry no external contents and the document is only a listing.
type VFS struct {
	Version          int             `json:"version"`
	CaseSensitive    *bool           `json:"case-sensitive,omitempty"`
	UseExternalNames *bool           `json:"use-external-names,omitempty"`
	OverlayRelative  *bool           `json:"overlay-relative,omitempty"`
	RedirectingWith  RedirectingWith `json:"redirecting-with,omitempty"`
	Roots            []*Inode        `json:"roots"`
}

type Inode struct {
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	UseExternalName  *bool    `json:"use-external-name,omitempty"`
	ExternalContents string   `json:"external-contents,omitempty"`
	Contents         []*Inode `json:"contents,omitempty"`
}

func (r *Inode) Place(dir string, caseSensitive bool, i *Inode) error {
	var dirParts []string
	if dir != "" {
		dirParts = strings.Split(dir, "/")
	}
	return r.place(dirParts, caseSensitive, i)
}

func (r *Inode) place(dir []string, caseSensitive bool, i *Inode) error {
	if r.Type != "directory" {
		return fmt.Errorf("failed placing inode, %q not a directory", r.Name)
	}
	if len(dir) == 0 {
		r.Contents = append(r.Contents, i)
		return nil
	}
	for _, sub := range r.Contents {
		if caseSensitive && sub.Name == dir[0] || !caseSensitive && strings.EqualFold(sub.Name, dir[0]) {
			return sub.place(dir[1:], caseSensitive, i)
		}
	}
	newI := Inode{
		Type: "directory",
		Name: dir[0],
	}
	if err := newI.place(dir[1:], caseSensitive, i); err != nil {
		return err
	}
	r.Contents = append(r.Contents, &newI)
	return nil
}

func (r *Inode) sort() {
	sort.Slice(r.Contents, func(a, b int) bool { return r.Contents[a].Name < r.Contents[b].Name })
	for _, sub := range r.Contents {
		sub.sort()
	}
}

// buildVFS lays out entries below root. If extractDir is set, file inodes
// point at the extracted copies.
func buildVFS(root string, entries []*msu.Entry, extractDir string) (*VFS, error) {
	caseSensitive := false
	vfs := VFS{
		Version:         1,
		CaseSensitive:   &caseSensitive,
		RedirectingWith: RedirectingWithRedirectOnly,
	}
	rootInode := Inode{
		Type: "directory",
		Name: root,
	}
	vfs.Roots = append(vfs.Roots, &rootInode)
	for _, e := range entries {
		dir, name := path.Split(e.Name)
		file := Inode{
			Type: "file",
			Name: name,
		}
		if extractDir != "" {
			file.ExternalContents = filepath.Join(extractDir, filepath.FromSlash(e.Name))
		}
		if err := rootInode.Place(strings.TrimSuffix(dir, "/"), caseSensitive, &file); err != nil {
			return nil, fmt.Errorf("placing %s: %w", e.Name, err)
		}
	}
	rootInode.sort()
	return &vfs, nil
}
