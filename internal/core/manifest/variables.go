package manifest

import (
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} patterns.
// Groups:
//   - Group 1: Variable name (required)
//   - Group 2: ":-" marker (optional)
//   - Group 3: Default value (optional)
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// defineSection is the only part of the document read before substitution.
type defineSection struct {
	Define map[string]string `yaml:"define"`
}

// ExtractDefinitions reads the top-level define mapping from raw manifest content.
// A manifest without a define section yields an empty map.
func ExtractDefinitions(content []byte) (map[string]string, error) {
	var section defineSection
	if err := yaml.Unmarshal(content, &section); err != nil {
		return nil, NewParseError("define", err.Error(), ErrInvalidYAML)
	}
	if section.Define == nil {
		return map[string]string{}, nil
	}
	return section.Define, nil
}

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders with values
// from the variables map.
//
// Behavior:
//   - ${VAR} - replaced with variables["VAR"]; an unknown name is an error
//   - ${VAR:-default} - replaced with variables["VAR"] if set, otherwise "default"
//   - Unmatched text is left unchanged
//
// All unknown names are reported at once, sorted.
//
// Example:
//
//	SubstituteVariables("image: ${REGISTRY}/api:${TAG:-latest}", map[string]string{"REGISTRY": "ghcr.io/acme"})
//	// Returns: "image: ghcr.io/acme/api:latest", nil
func SubstituteVariables(content string, variables map[string]string) (string, error) {
	missing := make(map[string]bool)

	result := varPlaceholderRegex.ReplaceAllStringFunc(content, func(match string) string {
		sub := varPlaceholderRegex.FindStringSubmatch(match)
		name := sub[1]
		if val, ok := variables[name]; ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		missing[name] = true
		return match
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", NewParseError("", "undefined variables: "+strings.Join(names, ", "), ErrUndefinedVariable)
	}
	return result, nil
}

// MergeVariables returns define values overlaid with overrides.
func MergeVariables(defined, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defined)+len(overrides))
	for k, v := range defined {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
