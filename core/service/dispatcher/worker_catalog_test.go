package dispatcher

import (
	"os"
	"path/filepath"
	"testing"

	"worker_server/core/domain"
)

func TestLoadCatalogReadsTheRealCatalogFile(t *testing.T) {
	path := filepath.Join("..", "..", "..", "tool_definition_templates.yaml")
	tools, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(tools) == 0 {
		t.Fatal("expected at least one tool in the catalog")
	}

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
		if tool.MCPService.Name == "" {
			t.Errorf("tool %q missing mcp_service.name", tool.Name)
		}
	}
	for _, want := range []string{
		"start_auth_flow", "complete_auth_flow", "list_users", "logout",
		"query_filter", "query_search", "query_url", "batch_fetch_by_ids",
		"fetch_attachments",
	} {
		if !names[want] {
			t.Errorf("expected catalog to contain tool %q", want)
		}
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(os.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected an error for a missing catalog file")
	}
}

func TestValidateCatalogRejectsDuplicateNames(t *testing.T) {
	tools := []domain.Tool{{Name: "dup"}, {Name: "dup"}}
	if err := validateCatalog(tools); err == nil {
		t.Error("expected duplicate tool name to be rejected")
	}
}

func TestValidateCatalogRejectsMissingTargetParam(t *testing.T) {
	tools := []domain.Tool{
		{
			Name: "t",
			MCPServiceFactors: map[string]domain.Factor{
				"f": {Default: "x"},
			},
		},
	}
	if err := validateCatalog(tools); err == nil {
		t.Error("expected missing target_param to be rejected")
	}
}

func TestValidateCatalogRejectsPruneableFactor(t *testing.T) {
	tools := []domain.Tool{
		{
			Name: "t",
			MCPServiceFactors: map[string]domain.Factor{
				"f": {TargetParam: "f"},
			},
		},
	}
	if err := validateCatalog(tools); err == nil {
		t.Error("expected a factor with no non-nil default anywhere to be rejected")
	}
}

func TestValidateCatalogAcceptsWellFormedFactor(t *testing.T) {
	tools := []domain.Tool{
		{
			Name: "t",
			MCPServiceFactors: map[string]domain.Factor{
				"f": {TargetParam: "f", Default: "x"},
			},
		},
	}
	if err := validateCatalog(tools); err != nil {
		t.Errorf("expected well-formed catalog to validate, got %v", err)
	}
}
