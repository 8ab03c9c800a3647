// Package convert implements the Conversion Pipeline's per-format converters
// (§4.5.4): PDF, Excel, the Word/PowerPoint/HWP(X) zip+XML family, and a
// plain-text/CSV/HTML/Markdown decoder, each addressable by file extension.
package convert

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFConverter extracts plain text from .pdf attachments via ledongthuc/pdf.
type PDFConverter struct{}

func (PDFConverter) Supports(ext string) bool { return ext == "pdf" }

func (PDFConverter) SupportedExtensions() []string { return []string{"pdf"} }

func (PDFConverter) Convert(data []byte, filename string) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", filename, err)
	}

	var sb strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
