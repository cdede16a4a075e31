package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema names the keys a settings map may carry. Matching is
// case/underscore/hyphen insensitive, like DecodeSettings.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks input against the schema. Required keys must
// be present with a non-blank value; keys outside the schema are an
// error unless AllowUnknown is set.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	known := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, key := range schema.Required {
		required[normalizeKey(key)] = key
		known[normalizeKey(key)] = struct{}{}
	}
	for _, key := range schema.Optional {
		known[normalizeKey(key)] = struct{}{}
	}

	var missing, unknown []string
	for norm, key := range required {
		value, ok := lookupKey(input, norm)
		if !ok || isBlank(value) {
			missing = append(missing, key)
		}
	}
	if !schema.AllowUnknown {
		for key := range input {
			if _, ok := known[normalizeKey(key)]; !ok {
				unknown = append(unknown, key)
			}
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return fmt.Errorf("settings: %s", strings.Join(parts, "; "))
}

func lookupKey(input map[string]any, norm string) (any, bool) {
	for key, value := range input {
		if normalizeKey(key) == norm {
			return value, true
		}
	}
	return nil, false
}

func isBlank(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
