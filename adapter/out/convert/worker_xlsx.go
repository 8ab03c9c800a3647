package convert

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXConverter renders .xlsx attachments as tab-separated text, one sheet
// after another, via xuri/excelize.
type XLSXConverter struct{}

func (XLSXConverter) Supports(ext string) bool { return ext == "xlsx" }

func (XLSXConverter) SupportedExtensions() []string { return []string{"xlsx"} }

func (XLSXConverter) Convert(data []byte, filename string) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx %s: %w", filename, err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		sb.WriteString("# " + sheet + "\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
