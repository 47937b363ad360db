package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// decoders map a file extension to a function that turns the file into
// YAML. Both formats then share the yaml field tags and duration parsing.
var decoders = map[string]func([]byte) ([]byte, error){
	".yaml": func(b []byte) ([]byte, error) { return b, nil },
	".yml":  func(b []byte) ([]byte, error) { return b, nil },
	".toml": func(b []byte) ([]byte, error) {
		var tree map[string]any
		if err := toml.Unmarshal(b, &tree); err != nil {
			return nil, err
		}
		return yaml.Marshal(tree)
	},
}

// LoadFile is Load with the YAML or TOML file at path laid over the
// environment. Keys set in the file win. Unknown keys are an error. An
// empty path reads the environment only.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	decode, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("config %s: unsupported format", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	doc, err := decode(raw)
	if err == nil {
		err = yaml.UnmarshalWithOptions(doc, cfg, yaml.Strict())
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
