package config

import (
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
)

// DeepMerge overlays override on base. Both must be JSON objects. Objects
// merge key by key, recursively; any other value in override (including
// false, 0, "" and arrays) replaces the base value. Either side may be empty.
func DeepMerge(base, override json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return override, nil
	}
	if len(override) == 0 {
		return base, nil
	}
	var b, o map[string]any
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}
	if err := json.Unmarshal(override, &o); err != nil {
		return nil, fmt.Errorf("merge override: %w", err)
	}
	if b == nil {
		b = map[string]any{}
	}
	if err := mergo.Merge(&b, o, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return json.Marshal(b)
}
