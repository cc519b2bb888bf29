package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configJSON returns the file contents as JSON for the strict decoder.
// YAML is converted; JSON and extensionless files pass through.
func configJSON(path string, data []byte) ([]byte, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	case ".json", "":
		return data, nil
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", filepath.Base(path), ext)
	}
}

// yamlToJSON accepts exactly one YAML document. An empty file is an empty
// object so defaults and env overrides still apply.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("yaml: only one document allowed, second starts at line %d", extra.Line)
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}

	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites map[any]any (non-string YAML keys such as 1 or true)
// into map[string]any, which encoding/json requires.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
