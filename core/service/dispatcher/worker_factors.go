package dispatcher

import "worker_server/core/domain"

// mergeFactors implements the Factor merger algorithm (§4.6 step 1-2):
// every declared Factor overrides or defaults its bound target_param, then
// whatever caller args remain are copied through under their own names.
func mergeFactors(tool domain.Tool, callerArgs map[string]any) map[string]any {
	merged := make(map[string]any, len(callerArgs)+len(tool.MCPServiceFactors))
	consumed := make(map[string]bool, len(tool.MCPServiceFactors))

	for paramName, factor := range tool.MCPServiceFactors {
		consumed[paramName] = true
		switch factor.Source {
		case domain.FactorSourceInternal:
			merged[factor.TargetParam] = factorValue(factor, nil)
		case domain.FactorSourceSignatureDefaults:
			if v, ok := callerArgs[paramName]; ok {
				if partial, ok := v.(map[string]any); ok && factor.IsComposite() {
					// Caller gave a partial composite; fill the rest from
					// the Factor's per-field defaults instead of
					// discarding what they set.
					merged[factor.TargetParam] = factorValue(factor, partial)
				} else {
					merged[factor.TargetParam] = v
				}
			} else {
				merged[factor.TargetParam] = factorValue(factor, nil)
			}
		default:
			merged[factor.TargetParam] = factorValue(factor, nil)
		}
	}

	for k, v := range callerArgs {
		if consumed[k] {
			continue
		}
		merged[k] = v
	}
	return merged
}

// factorValue builds the bound value for a Factor: a field-by-field
// composite map when Parameters are declared (optionally seeded from an
// existing caller-supplied map for signature_defaults overrides), else the
// bare scalar Default.
func factorValue(f domain.Factor, existing map[string]any) any {
	if !f.IsComposite() {
		return f.Default
	}
	composite := make(map[string]any, len(f.Parameters))
	for k, v := range existing {
		composite[k] = v
	}
	for _, p := range f.Parameters {
		if _, already := composite[p.Name]; already {
			continue
		}
		if p.Default != nil {
			composite[p.Name] = p.Default
		}
	}
	return composite
}
