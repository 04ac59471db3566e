// Package msi reads the parts of a Windows Installer database needed to
// unpack it: the cabinets it references or embeds and the install path of
// every file stored in them.
package msi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"reflect"
	"strings"

	"github.com/richardlehane/mscfb"
)

// ErrFormat is returned for databases that cannot be decoded.
var ErrFormat = errors.New("msi: invalid database")

// Signature is the compound file magic every MSI starts with.
var Signature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Detect reports whether header starts with the compound file magic.
func Detect(header []byte) bool {
	return bytes.HasPrefix(header, Signature)
}

// Lists source media disks for the installation.
type Media struct {
	DiskID        uint16
	LastSequence1 uint16
	LastSequence2 uint16
	DiskPrompt    string
	Cabinet       string
	VolumeLabel   string
	Source        string
}

type File struct {
	File       string
	Component  string
	FileName   string
	FileSize1  uint16
	FileSize2  uint16
	Version    string
	Language   string
	Attributes uint16
	Sequence1  uint16
	Sequence2  uint16
}

type Component struct {
	Component   string
	ComponentID string
	Directory   string
	Attributes  uint16
	Condition   string
	KeyPath     string
}

type Directory struct {
	Directory       string
	DirectoryParent string
	DefaultDir      string
}

var msiNameAlphabet = []rune("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz._!")

func decodeName(name string) string {
	var decodedName []rune
	// Algorithm thanks to https://stackoverflow.com/questions/9734978/view-msi-strings-in-binary
	for _, r := range name {
		if r >= 0x3800 && r < 0x4800 {
			decodedName = append(decodedName, msiNameAlphabet[(r-0x3800)&0x3F], msiNameAlphabet[((r-0x3800)>>6)&0x3F])
		} else if r >= 0x4800 && r <= 0x4840 {
			decodedName = append(decodedName, msiNameAlphabet[r-0x4800])
		} else {
			decodedName = append(decodedName, r)
		}
	}
	return string(decodedName)
}

func decodeStrings(stringData, stringPool []byte) ([]string, error) {
	var strs []string
	poolReader := bytes.NewReader(stringPool)
	var offset uint32
	for {
		var occNumber, stringLen uint16
		err := binary.Read(poolReader, binary.LittleEndian, &stringLen)
		if err == io.EOF {
			return strs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: string pool: %v", ErrFormat, err)
		}
		if err := binary.Read(poolReader, binary.LittleEndian, &occNumber); err != nil {
			return nil, fmt.Errorf("%w: string pool: %v", ErrFormat, err)
		}
		if occNumber > 0 {
			var bigStringLen uint32 = uint32(stringLen)
			if stringLen == 0 {
				if err := binary.Read(poolReader, binary.LittleEndian, &bigStringLen); err != nil {
					return nil, fmt.Errorf("%w: string pool: %v", ErrFormat, err)
				}
			}
			if uint64(offset)+uint64(bigStringLen) > uint64(len(stringData)) {
				return nil, fmt.Errorf("%w: string %d overruns string data", ErrFormat, len(strs))
			}
			strs = append(strs, string(stringData[offset:offset+bigStringLen]))
			offset += bigStringLen
		} else {
			strs = append(strs, "")
		}
	}
}

// parseTable decodes column-major table data into the slice of structs
// target points to.
func parseTable(data []uint16, stringTable []string, target interface{}) error {
	targetVal := reflect.ValueOf(target)
	nColumns := targetVal.Type().Elem().Elem().NumField()
	if len(data)%nColumns != 0 {
		return fmt.Errorf("%w: %d values do not fill %d columns", ErrFormat, len(data), nColumns)
	}
	rowVal := reflect.New(targetVal.Type().Elem().Elem()).Elem()
	nRows := len(data) / nColumns
	for i := 0; i < nRows; i++ {
		for j := 0; j < nColumns; j++ {
			val := data[(nRows*j)+i]
			f := rowVal.Field(j)
			switch f.Type().Kind() {
			case reflect.String:
				if int(val) >= len(stringTable) {
					return fmt.Errorf("%w: string index %d out of range", ErrFormat, val)
				}
				f.SetString(stringTable[val])
			case reflect.Uint16:
				f.SetUint(uint64(val))
			default:
				panic("unimplemented type")
			}
		}
		targetVal.Elem().Set(reflect.Append(targetVal.Elem(), rowVal))
	}
	return nil
}

func getModernName(name string) string {
	parts := strings.SplitN(name, "|", 2)
	return parts[len(parts)-1]
}

// Cabinet is one entry of the Media table.
type Cabinet struct {
	DiskID uint16
	// Name is the cabinet file name, or the stream name for embedded ones.
	Name string
	// Embedded cabinets live inside the database; Data holds their bytes.
	Embedded bool
	Data     []byte
}

type MSI struct {
	// File name in CAB -> Final path
	FileMap map[string]string
	// Cabinets in Media table order
	Cabinets []Cabinet
}

// Parse reads the tables of the database in r and loads the streams of
// embedded cabinets.
func Parse(reader io.ReaderAt) (*MSI, error) {
	doc, err := mscfb.New(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MS-CFB header (not an MSI file?): %w", err)
	}
	var stringPool, stringData []byte
	rawTableData := make(map[string][]uint16)
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		name := decodeName(entry.Name)
		var rerr error
		switch {
		case name == "!_StringPool":
			stringPool, rerr = io.ReadAll(entry)
		case name == "!_StringData":
			stringData, rerr = io.ReadAll(entry)
		case name == "!_Columns" || strings.HasPrefix(name, "!") && !strings.HasPrefix(name, "!_"):
			raw := make([]uint16, entry.Size/2)
			rerr = binary.Read(doc, binary.LittleEndian, &raw)
			rawTableData[strings.TrimPrefix(name, "!")] = raw
		}
		if rerr != nil {
			return nil, fmt.Errorf("%w: reading stream %q: %v", ErrFormat, name, rerr)
		}
	}
	stringsList, err := decodeStrings(stringData, stringPool)
	if err != nil {
		return nil, err
	}
	data, err := build(rawTableData, stringsList)
	if err != nil {
		return nil, err
	}

	want := make(map[string]int)
	for i, c := range data.Cabinets {
		if c.Embedded {
			want[c.Name] = i
		}
	}
	if len(want) == 0 {
		return data, nil
	}
	// the directory iterator is single pass, so streams get a second one
	doc, err = mscfb.New(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		i, ok := want[decodeName(entry.Name)]
		if !ok {
			continue
		}
		b, err := io.ReadAll(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: reading cabinet stream %q: %v", ErrFormat, data.Cabinets[i].Name, err)
		}
		data.Cabinets[i].Data = b
	}
	for _, c := range data.Cabinets {
		if c.Embedded && c.Data == nil {
			return nil, fmt.Errorf("%w: embedded cabinet %q not found", ErrFormat, c.Name)
		}
	}
	return data, nil
}

func build(rawTableData map[string][]uint16, stringsList []string) (*MSI, error) {
	var sch schema
	if raw, ok := rawTableData["_Columns"]; ok {
		var err error
		if sch, err = decodeSchema(raw, stringsList); err != nil {
			return nil, err
		}
	}
	readTable := func(name string, target interface{}) error {
		if err := sch.check(name, reflect.TypeOf(target).Elem().Elem().NumField()); err != nil {
			return err
		}
		if err := parseTable(rawTableData[name], stringsList, target); err != nil {
			return fmt.Errorf("%s table: %w", name, err)
		}
		return nil
	}

	var dirs []Directory
	if err := readTable("Directory", &dirs); err != nil {
		return nil, err
	}
	dirMap := make(map[string]Directory)
	dirPathMap := make(map[string]string)
	for _, dir := range dirs {
		if dir.Directory == "TARGETDIR" {
			dir.DefaultDir = "."
		}
		dirMap[dir.Directory] = dir
	}
	for _, dir := range dirs {
		pathParts := []string{getModernName(dirMap[dir.Directory].DefaultDir)}
		nextParent := dir.DirectoryParent
		for depth := 0; nextParent != "" && nextParent != dir.Directory; depth++ {
			if depth > len(dirs) {
				return nil, fmt.Errorf("%w: directory cycle at %q", ErrFormat, dir.Directory)
			}
			parent := dirMap[nextParent]
			nextParent = parent.DirectoryParent
			if nextParent == parent.Directory {
				nextParent = ""
			}
			pathParts = append(pathParts, getModernName(parent.DefaultDir))
		}
		// Reverse order
		for i, j := 0, len(pathParts)-1; i < j; i, j = i+1, j-1 {
			pathParts[i], pathParts[j] = pathParts[j], pathParts[i]
		}
		dirPathMap[dir.Directory] = path.Join(pathParts...)
	}

	var components []Component
	componentDirMap := make(map[string]string)
	if err := readTable("Component", &components); err != nil {
		return nil, err
	}
	for _, cmp := range components {
		componentDirMap[cmp.Component] = dirPathMap[cmp.Directory]
	}

	var medias []Media
	if err := readTable("Media", &medias); err != nil {
		return nil, err
	}

	var files []File
	if err := readTable("File", &files); err != nil {
		return nil, err
	}
	fileToPath := make(map[string]string)
	for _, f := range files {
		fileToPath[f.File] = path.Join(componentDirMap[f.Component], getModernName(f.FileName))
	}
	var data MSI
	data.FileMap = fileToPath
	for _, m := range medias {
		if m.Cabinet == "" {
			continue
		}
		c := Cabinet{DiskID: m.DiskID, Name: m.Cabinet}
		if strings.HasPrefix(m.Cabinet, "#") {
			c.Name = m.Cabinet[1:]
			c.Embedded = true
		}
		data.Cabinets = append(data.Cabinets, c)
	}
	return &data, nil
}
