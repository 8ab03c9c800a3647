package dispatcher

import "testing"

func TestExternalToolsTransformsBooleanProperties(t *testing.T) {
	tools := []map[string]any{
		{
			"name":        "fetch_attachments",
			"description": "fetch",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"save_file": map[string]any{
						"type":    "boolean",
						"default": false,
					},
					"user_email": map[string]any{
						"type": "string",
					},
				},
			},
		},
	}

	out := ExternalTools(tools)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out))
	}

	schema := out[0]["inputSchema"].(map[string]any)
	props := schema["properties"].(map[string]any)

	saveFile := props["save_file"].(map[string]any)
	if saveFile["type"] != "string" {
		t.Errorf("expected transformed type string, got %v", saveFile["type"])
	}
	enum, ok := saveFile["enum"].([]any)
	if !ok || len(enum) != 2 || enum[0] != "enabled" || enum[1] != "disabled" {
		t.Errorf("expected enum [enabled disabled], got %v", saveFile["enum"])
	}
	if saveFile["default"] != "disabled" {
		t.Errorf("expected default 'disabled', got %v", saveFile["default"])
	}

	userEmail := props["user_email"].(map[string]any)
	if userEmail["type"] != "string" {
		t.Errorf("non-boolean property should be untouched, got %v", userEmail["type"])
	}
}

func TestExternalToolsDoesNotMutateInput(t *testing.T) {
	original := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"flag": map[string]any{"type": "boolean"},
		},
	}
	tools := []map[string]any{
		{"name": "t", "inputSchema": original},
	}

	ExternalTools(tools)

	props := original["properties"].(map[string]any)
	flag := props["flag"].(map[string]any)
	if flag["type"] != "boolean" {
		t.Errorf("ExternalTools must not mutate the original schema, got type %v", flag["type"])
	}
}

func TestNormalizeBooleanArgsRewritesEnumStrings(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"save_file": map[string]any{"type": "boolean"},
			"top":       map[string]any{"type": "integer"},
		},
	}
	args := map[string]any{
		"save_file": "enabled",
		"top":       float64(10),
	}

	out := normalizeBooleanArgs(schema, args)
	if out["save_file"] != true {
		t.Errorf("expected save_file normalized to true, got %v", out["save_file"])
	}
	if out["top"] != float64(10) {
		t.Errorf("non-boolean arg should pass through unchanged, got %v", out["top"])
	}
}

func TestNormalizeBooleanArgsLeavesAlreadyBooleanValues(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"save_file": map[string]any{"type": "boolean"},
		},
	}
	args := map[string]any{"save_file": true}

	out := normalizeBooleanArgs(schema, args)
	if out["save_file"] != true {
		t.Errorf("expected save_file to remain true, got %v", out["save_file"])
	}
}

func TestNormalizeBooleanArgsNilSchemaOrArgs(t *testing.T) {
	if out := normalizeBooleanArgs(nil, map[string]any{"a": 1}); out == nil {
		t.Error("expected args returned unchanged when schema is nil")
	}
	if out := normalizeBooleanArgs(map[string]any{}, nil); out != nil {
		t.Error("expected nil returned unchanged when args is nil")
	}
}
