package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/sqlagent/internal/ratelimit"
)

const includeKey = "$include"

// LoadRaw reads path and the files it pulls in through $include into one
// merged map. Included files are layered first, in the order listed, so the
// including file wins on conflicting keys. Files ending in .json or .json5
// are parsed as JSON5, anything else as YAML.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return readLayered(path, nil)
}

// readLayered loads one file and its includes. chain holds the absolute
// paths of the files currently being read, outermost first.
func readLayered(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(chain, abs) {
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(chain, abs), " -> "))
	}
	chain = append(slices.Clip(chain), abs)

	doc, err := readDocument(abs)
	if err != nil {
		return nil, err
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		layer, err := readLayered(inc, chain)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// readDocument parses a single file and expands environment references in
// its string values. Expansion happens after parsing so a secret containing
// YAML syntax cannot change the document structure.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("%s: expected a single YAML document", path)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	for key, value := range doc {
		doc[key] = expandValue(value)
	}
	return doc, nil
}

// expandValue substitutes $VAR and ${VAR} in string leaves. A string that
// expands to a plain scalar such as a port number or boolean takes that type,
// as long as the scalar prints back to the same text.
func expandValue(v any) any {
	switch typed := v.(type) {
	case string:
		out := os.ExpandEnv(typed)
		if out == typed {
			return typed
		}
		var scalar any
		if err := yaml.Unmarshal([]byte(out), &scalar); err == nil {
			switch scalar.(type) {
			case int, float64, bool:
				if fmt.Sprint(scalar) == out {
					return scalar
				}
			}
		}
		return out
	case map[string]any:
		for k, item := range typed {
			typed[k] = expandValue(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = expandValue(item)
		}
		return typed
	default:
		return v
	}
}

// popIncludes removes the $include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		return nonEmpty([]string{typed}), nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return nonEmpty(paths), nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
}

func nonEmpty(paths []string) []string {
	return slices.DeleteFunc(paths, func(p string) bool { return strings.TrimSpace(p) == "" })
}

// deepMerge copies src into dst, merging nested sections key by key.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if section, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				deepMerge(existing, section)
				continue
			}
		}
		dst[key] = value
	}
}

// decodeRawConfig decodes the merged map strictly. Boolean settings that
// default to true are seeded first since an absent key cannot be told
// apart from false after decoding.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	rl := ratelimit.DefaultConfig()
	cfg := Config{
		RateLimit: ratelimit.Config{Enabled: rl.Enabled, FailOpen: rl.FailOpen},
		Usage:     UsageConfig{Enabled: true},
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
