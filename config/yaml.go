package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLProvider serves values read from a YAML document. Nested mappings are flattened into
// dot-separated keys and sequences into comma-separated values:
//
//	LIFELINE_POOL_SIZE: 8
//	editor:
//	  autosave: 30s      # key "editor.autosave"
//	  plugins: [a, b]    # key "editor.plugins" = "a,b"
type YAMLProvider struct {
	values map[string]string
}

// NewYAMLProvider decodes the YAML document read from r.
func NewYAMLProvider(r io.Reader) (*YAMLProvider, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	p := &YAMLProvider{values: make(map[string]string)}
	flatten("", doc, p.values)
	return p, nil
}

// NewYAMLFileProvider reads the YAML document stored at path.
func NewYAMLFileProvider(path string) (*YAMLProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open yaml: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return NewYAMLProvider(f)
}

// Get returns the value stored under name.
func (p *YAMLProvider) Get(_ context.Context, name string) (string, error) {
	value, ok := p.values[name]
	if !ok {
		return "", fmt.Errorf("key '%s' is not defined in yaml", name)
	}
	return value, nil
}

func flatten(prefix string, node any, out map[string]string) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if prefix != "" {
				key = prefix + "." + key
			}
			flatten(key, child, out)
		}
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(items, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(v)
	}
}
