package msu

import (
	"path"
	"strings"

	"git.dolansoft.org/lorenz/msupatch/cab"
)

// Kind tells where the bytes of an entry come from.
type Kind int

const (
	// KindDirect entries are held in memory.
	KindDirect Kind = iota
	// KindCab entries are read from a cabinet member.
	KindCab
	// KindDelta entries are raw delta files read from a cabinet member.
	KindDelta
	// KindVirtual entries are reconstructed by applying a delta.
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindCab:
		return "cab"
	case KindDelta:
		return "delta"
	case KindVirtual:
		return "virtual"
	}
	return "unknown"
}

// DeltaFolder is the delta collection a member was found in.
type DeltaFolder int

const (
	FolderNone DeltaFolder = iota
	FolderForward
	FolderReverse
	FolderNull
)

func (d DeltaFolder) String() string {
	switch d {
	case FolderForward:
		return "f"
	case FolderReverse:
		return "r"
	case FolderNull:
		return "n"
	}
	return ""
}

// Entry is one file of the package tree.
type Entry struct {
	Name     string
	Kind     Kind
	Size     int64
	Metadata bool
	// Arch is x86, x64, wow64 or msil when the path names a component of
	// that architecture.
	Arch   string
	Folder DeltaFolder
	// Component is the component folder of a delta, or of the delta a
	// virtual entry is built from.
	Component string
	// Hash is the expected SHA-256 of a virtual entry, in hex.
	Hash string

	data []byte
	cab  *cab.Cabinet
	file *cab.File

	// virtual entries
	patch     *Entry
	basis     string
	basisHash string
	// fileName is the bare name of the delta or target file.
	fileName string
}

// Patch returns the delta entry a virtual entry is reconstructed from.
func (e *Entry) Patch() *Entry { return e.patch }

// Basis returns the basis file name declared by a container index.
func (e *Entry) Basis() string { return e.basis }

// splitPath splits a member path on both separator styles.
func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
}

func slashPath(p string) string {
	return strings.Join(splitPath(p), "/")
}

func baseName(p string) string {
	parts := splitPath(p)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

var metadataExts = []string{".mum", ".manifest", ".cat", ".xml", ".txt", ".ini", ".psf"}

func isMetadata(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range metadataExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func deltaFolder(p string) DeltaFolder {
	parts := splitPath(p)
	if len(parts) == 0 {
		return FolderNone
	}
	for _, seg := range parts[:len(parts)-1] {
		switch seg {
		case "f":
			return FolderForward
		case "r":
			return FolderReverse
		case "n":
			return FolderNull
		}
	}
	return FolderNone
}

// deltaComponent returns the component folder and file name of a member
// inside a f/r/n delta collection.
func deltaComponent(p string) (component, file string) {
	parts := splitPath(p)
	for i := 0; i+2 < len(parts); i++ {
		switch parts[i+1] {
		case "f", "r", "n":
			return parts[i], parts[i+2]
		}
	}
	return "", baseName(p)
}

func detectArch(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.Contains(lower, "x86_"):
		return "x86"
	case strings.Contains(lower, "amd64_"):
		return "x64"
	case strings.Contains(lower, "wow64_"):
		return "wow64"
	case strings.Contains(lower, "msil_"):
		return "msil"
	}
	return ""
}

// trimExt removes the extension of the last path element.
func trimExt(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}
