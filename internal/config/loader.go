package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// LoadRaw reads path, resolving any top-level `$include: other.yaml`
// directive recursively, expanding environment variables, and returning the
// fully-resolved raw bytes. Both YAML and JSON5 files are accepted; the
// format is chosen by file extension.
func LoadRaw(path string) ([]byte, error) {
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("config: include cycle detected at %q", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", abs, err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	var probe struct {
		Include string `yaml:"$include" json:"$include"`
	}
	if err := unmarshalByExt(abs, raw, &probe); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", abs, err)
	}
	if probe.Include == "" {
		return raw, nil
	}

	includePath := probe.Include
	if !filepath.IsAbs(includePath) {
		includePath = filepath.Join(filepath.Dir(abs), includePath)
	}
	return loadRawRecursive(includePath, seen)
}

func unmarshalByExt(path string, raw []byte, out any) error {
	if strings.HasSuffix(path, ".json5") || strings.HasSuffix(path, ".json") {
		return json5.Unmarshal(raw, out)
	}
	return yaml.Unmarshal(raw, out)
}

// Load reads and parses path into a Config, defaulting any fields the file
// leaves zero-valued.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := unmarshalByExt(path, raw, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %q: %w", path, err)
	}
	return cfg, nil
}
