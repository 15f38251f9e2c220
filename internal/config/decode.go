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

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

// Decode parses data in the format implied by path's extension. Unknown
// fields and trailing documents are errors in both formats.
func Decode(path string, data []byte) (*Config, error) {
	f := formatOf(path)
	if f == formatYAML {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", f, err)
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err != nil:
		return nil, fmt.Errorf("%s config: %w", f, err)
	default:
		return nil, fmt.Errorf("%s config: trailing data after document", f)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(jsonable(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml config: convert: %w", err)
	}
	return out, nil
}

// jsonable converts YAML's map[any]any nodes into map[string]any.
func jsonable(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = jsonable(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = jsonable(v)
		}
	case []any:
		for i, v := range n {
			n[i] = jsonable(v)
		}
	}
	return node
}
