package domain

// FactorSource distinguishes a hidden, caller-invisible default from one the
// caller may override (§3, §4.6 Factor merger).
type FactorSource string

const (
	FactorSourceInternal          FactorSource = "internal"
	FactorSourceSignatureDefaults FactorSource = "signature_defaults"
)

// FactorParameter is one member of a composite Factor (e.g. a single field of
// a FilterParams instantiated via defaults).
type FactorParameter struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Default any    `yaml:"default" json:"default"`
}

// Factor is a per-tool-parameter descriptor overriding or hiding a service
// method parameter (§3, glossary).
type Factor struct {
	Source      FactorSource      `yaml:"source" json:"source"`
	Type        string            `yaml:"type" json:"type"`
	TargetParam string            `yaml:"target_param" json:"target_param"`
	Description string            `yaml:"description" json:"description"`
	Default     any               `yaml:"default" json:"default"`
	Parameters  []FactorParameter `yaml:"parameters" json:"parameters"`
}

// IsComposite reports whether this factor carries a field-by-field composite
// default (FilterParams/ExcludeParams/SelectParams-shaped) rather than a bare
// scalar default.
func (f *Factor) IsComposite() bool {
	return len(f.Parameters) > 0
}

// IsPruneable reports whether every default on this factor is nil/zero,
// meaning it should be dropped on save rather than persisted (§3 invariant).
func (f *Factor) IsPruneable() bool {
	if f.Default != nil {
		return false
	}
	for _, p := range f.Parameters {
		if p.Default != nil {
			return false
		}
	}
	return true
}

// ServiceBinding identifies the backing service method a Tool dispatches to.
type ServiceBinding struct {
	Name       string   `yaml:"name" json:"name"`
	Signature  string   `yaml:"signature" json:"signature"`
	Parameters []string `yaml:"parameters" json:"parameters"`
}

// Tool is a record in the MCP tool catalog (§3, §4.6).
type Tool struct {
	Name               string            `yaml:"name" json:"name"`
	Description        string            `yaml:"description" json:"description"`
	InputSchema        map[string]any    `yaml:"inputSchema" json:"inputSchema"`
	MCPService         ServiceBinding    `yaml:"mcp_service" json:"mcp_service"`
	MCPServiceFactors  map[string]Factor `yaml:"mcp_service_factors" json:"mcp_service_factors"`
}
