package attachment

import (
	"path/filepath"
	"strings"

	"worker_server/core/port/out"
)

// ConverterRegistry holds the Conversion Pipeline's registered converters
// (§4.5.4), dispatching by file extension to the first match.
type ConverterRegistry struct {
	converters []out.Converter
}

// NewConverterRegistry builds a registry from an ordered list of converters;
// earlier entries win on extension collision.
func NewConverterRegistry(converters ...out.Converter) *ConverterRegistry {
	return &ConverterRegistry{converters: converters}
}

// Find returns the first converter that supports filename's extension.
func (r *ConverterRegistry) Find(filename string) (out.Converter, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return nil, false
	}
	for _, c := range r.converters {
		if c.Supports(ext) {
			return c, true
		}
	}
	return nil, false
}
