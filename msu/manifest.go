package msu

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// cixContainer is a container index (*_manifest_.cix.xml). It lists every
// file of a package and, for delta-compressed ones, the delta and basis.
type cixContainer struct {
	XMLName xml.Name  `xml:"Container"`
	Files   []cixFile `xml:"Files>File"`
}

type cixFile struct {
	ID     string `xml:"id,attr"`
	Name   string `xml:"name,attr"`
	Length string `xml:"length,attr"`
	Hash   struct {
		Value string `xml:"value,attr"`
	} `xml:"Hash"`
	Delta *struct {
		Source struct {
			Type string `xml:"type,attr"`
			Name string `xml:"name,attr"`
		} `xml:"Source"`
		Basis struct {
			File string `xml:"file,attr"`
		} `xml:"Basis"`
	} `xml:"Delta"`
}

// componentFile is a file element of a component manifest.
type componentFile struct {
	Name            string
	DestinationPath string
	SourceName      string
}

// newXMLDecoder decodes UTF-8 and, when a byte order mark says so, UTF-16
// manifests.
func newXMLDecoder(data []byte) *xml.Decoder {
	r := transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	d := xml.NewDecoder(r)
	d.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(label) {
		case "utf-8", "utf8", "utf-16", "utf16", "us-ascii":
			// already transcoded to UTF-8 above
			return input, nil
		}
		return nil, fmt.Errorf("unsupported manifest encoding %q", label)
	}
	return d
}

func parseContainerIndex(data []byte) (*cixContainer, error) {
	var c cixContainer
	if err := newXMLDecoder(data).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseComponentManifest(data []byte) ([]componentFile, error) {
	d := newXMLDecoder(data)
	var files []componentFile
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "file" {
			continue
		}
		var f componentFile
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				f.Name = a.Value
			case "destinationPath":
				f.DestinationPath = a.Value
			case "sourceName":
				f.SourceName = a.Value
			}
		}
		files = append(files, f)
	}
}

var runtimeVars = strings.NewReplacer(
	"$(runtime.drivers)", `System32\drivers`,
	"$(runtime.system32)", "System32",
	"$(runtime.windows)", "Windows",
	"$(runtime.inf)", "inf",
	"$(runtime.help)", "Help",
	"$(runtime.fonts)", "Fonts",
	"$(runtime.bootDrive)", "Boot",
	"$(runtime.programFiles)", "Program Files",
	"$(runtime.commonFiles)", `Program Files\Common Files`,
	"$(runtime.wbem)", `System32\wbem`,
)

// installPath returns the slash separated install path of a component
// manifest file element.
func installPath(destinationPath, name string) string {
	return path.Join(slashPath(runtimeVars.Replace(destinationPath)), slashPath(name))
}

func isDeltaType(t string) bool {
	switch t {
	case "PA30", "PA19", "PA31":
		return true
	}
	return false
}
