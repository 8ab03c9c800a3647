// Package dispatcher implements the Tool Dispatcher (Component F, §4.6):
// loading the YAML tool catalog, merging each call's Factors into a
// service-method argument set, invoking the bound service method, and
// wrapping every dispatch with session-invalidating token-error handling.
package dispatcher

import (
	"fmt"
	"os"

	"worker_server/core/domain"

	"gopkg.in/yaml.v3"
)

// LoadCatalog reads tool_definition_templates.yaml at path into the tool
// catalog the dispatcher serves.
func LoadCatalog(path string) ([]domain.Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var doc struct {
		Tools []domain.Tool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := validateCatalog(doc.Tools); err != nil {
		return nil, err
	}
	return doc.Tools, nil
}

// validateCatalog enforces the catalog-level invariants §3 names: unique
// tool names, and no Factor left with every default pruned to nil.
func validateCatalog(tools []domain.Tool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("catalog: tool with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("catalog: duplicate tool name %q", t.Name)
		}
		seen[t.Name] = true
		for paramName, f := range t.MCPServiceFactors {
			if f.TargetParam == "" {
				return fmt.Errorf("catalog: tool %q factor %q missing target_param", t.Name, paramName)
			}
			if f.IsPruneable() {
				return fmt.Errorf("catalog: tool %q factor %q has no non-nil default", t.Name, paramName)
			}
		}
	}
	return nil
}
