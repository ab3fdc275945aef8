package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// decodeBytes turns raw config file content into JSON bytes so a single
// strict decoder (DisallowUnknownFields) serves both formats. Files named
// .yaml/.yml go through an intermediate value tree; everything else is
// treated as JSON already.
func decodeBytes(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return raw, nil
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(tree))
	if err != nil {
		return nil, fmt.Errorf("encode yaml as json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites map keys to strings throughout the tree; yaml/v3
// can produce map[any]any nodes that encoding/json refuses to marshal.
func stringifyKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringifyKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringifyKeys(v)
		}
		return n
	default:
		return node
	}
}

// Duration-typed fields are carried as Go duration strings ("30s", "5m") so
// the strict JSON decoder can stay schema-only; the helpers below convert
// them at mapping time. name identifies the field in error messages.

// ParseDurationField parses one duration field. Empty input means unset and
// yields zero; negative values are rejected.
func ParseDurationField(name, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", name, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
