package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// detectFormat goes by extension and sniffs the content otherwise.
func detectFormat(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// decode strictly decodes data into a Config. YAML is first converted to
// JSON so unknown fields are rejected the same way for both formats.
func decode(path string, data []byte) (*Config, error) {
	format := detectFormat(path, data)
	if format == formatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("yaml config %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		j, err := json.Marshal(stringKeys(doc))
		if err != nil {
			return nil, fmt.Errorf("yaml config %s: %w", path, err)
		}
		data = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("%s config %s: trailing data", format, path)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	return &cfg, nil
}

// stringKeys rewrites nested YAML maps with non-string keys (e.g. `1: x`)
// into JSON-marshalable maps.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			x[k] = stringKeys(vv)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[fmt.Sprint(k)] = stringKeys(vv)
		}
		return m
	case []any:
		for i, vv := range x {
			x[i] = stringKeys(vv)
		}
	}
	return v
}

// fingerprintSeed is per process; fingerprints are only compared in memory.
var fingerprintSeed = maphash.MakeSeed()

// fingerprint identifies the effective config so a rewrite of the file that
// changes nothing is not republished.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return maphash.Bytes(fingerprintSeed, b)
}
