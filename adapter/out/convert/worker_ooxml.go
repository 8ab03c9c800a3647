package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// extractRunText walks an XML document collecting the character data of
// every element whose local name is one of the given run tag names, in
// document order — good enough plain-text extraction without a full OOXML
// schema model.
func extractRunText(r io.Reader, runTags map[string]bool) (string, error) {
	decoder := xml.NewDecoder(r)
	var sb strings.Builder
	inRun := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if runTags[t.Name.Local] {
				inRun = true
			}
		case xml.CharData:
			if inRun {
				sb.Write(t)
			}
		case xml.EndElement:
			if runTags[t.Name.Local] {
				inRun = false
				sb.WriteString(" ")
			}
			if t.Name.Local == "p" || t.Name.Local == "tr" {
				sb.WriteString("\n")
			}
		}
	}
	return sb.String(), nil
}

func readZipEntries(data []byte, prefix func(name string) bool) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range zr.File {
		if prefix(f.Name) {
			names = append(names, f.Name)
		}
	}
	// Order numbered parts (slide2 before slide10) by their trailing number.
	partNumber := func(name string) int {
		base := strings.TrimSuffix(name, ".xml")
		i := len(base)
		for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
			i--
		}
		n, err := strconv.Atoi(base[i:])
		if err != nil {
			return -1
		}
		return n
	}
	sort.Slice(names, func(i, j int) bool {
		ni, nj := partNumber(names[i]), partNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})

	var parts []string
	for _, name := range names {
		rc, err := zr.Open(name)
		if err != nil {
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		parts = append(parts, string(content))
	}
	return parts, nil
}

// DOCXConverter extracts text from word/document.xml inside a .docx
// container, the zip+XML format OOXML defines.
type DOCXConverter struct{}

func (DOCXConverter) Supports(ext string) bool { return ext == "docx" }

func (DOCXConverter) SupportedExtensions() []string { return []string{"docx"} }

func (DOCXConverter) Convert(data []byte, filename string) (string, error) {
	xmls, err := readZipEntries(data, func(n string) bool { return n == "word/document.xml" })
	if err != nil {
		return "", fmt.Errorf("open docx %s: %w", filename, err)
	}
	if len(xmls) == 0 {
		return "", fmt.Errorf("docx %s: word/document.xml missing", filename)
	}
	return extractRunText(strings.NewReader(xmls[0]), map[string]bool{"t": true})
}

// PPTXConverter extracts text from every ppt/slides/slideN.xml part of a
// .pptx container, in slide order.
type PPTXConverter struct{}

func (PPTXConverter) Supports(ext string) bool { return ext == "pptx" }

func (PPTXConverter) SupportedExtensions() []string { return []string{"pptx"} }

func (PPTXConverter) Convert(data []byte, filename string) (string, error) {
	xmls, err := readZipEntries(data, func(n string) bool {
		return strings.HasPrefix(n, "ppt/slides/slide") && strings.HasSuffix(n, ".xml")
	})
	if err != nil {
		return "", fmt.Errorf("open pptx %s: %w", filename, err)
	}
	var sb strings.Builder
	for i, x := range xmls {
		text, err := extractRunText(strings.NewReader(x), map[string]bool{"t": true})
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "# Slide %d\n%s\n\n", i+1, text)
	}
	return sb.String(), nil
}

// HWPXConverter extracts text from the Contents/section*.xml parts of a
// .hwpx container (Hancom's zip+XML format) — the HTML-intermediary route
// §4.5.4 describes for HWP/HWPX reduces to the same run-text extraction
// once the document is unzipped.
type HWPXConverter struct{}

func (HWPXConverter) Supports(ext string) bool { return ext == "hwpx" }

func (HWPXConverter) SupportedExtensions() []string { return []string{"hwpx"} }

func (HWPXConverter) Convert(data []byte, filename string) (string, error) {
	xmls, err := readZipEntries(data, func(n string) bool {
		return strings.HasPrefix(n, "Contents/section") && strings.HasSuffix(n, ".xml")
	})
	if err != nil {
		return "", fmt.Errorf("open hwpx %s: %w", filename, err)
	}
	if len(xmls) == 0 {
		return "", fmt.Errorf("hwpx %s: no Contents/section*.xml parts", filename)
	}
	var sb strings.Builder
	for _, x := range xmls {
		text, err := extractRunText(strings.NewReader(x), map[string]bool{"t": true})
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// LegacyUnsupportedConverter answers .doc/.xls/.ppt/.hwp — binary legacy
// formats this pipeline declines to parse (§4.5.4's NotImplementedError
// case) — with Supports true so the registry routes to it and reports a
// clear ConversionError instead of silently storing raw bytes as "text".
type LegacyUnsupportedConverter struct{}

var legacyExtensions = []string{"doc", "xls", "ppt", "hwp"}

func (LegacyUnsupportedConverter) Supports(ext string) bool {
	for _, e := range legacyExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (LegacyUnsupportedConverter) SupportedExtensions() []string { return legacyExtensions }

func (LegacyUnsupportedConverter) Convert(data []byte, filename string) (string, error) {
	return "", fmt.Errorf("legacy binary format not supported for %s, falling back to original bytes", filename)
}
