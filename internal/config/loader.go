package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// LoadFile loads a config file (HCL or JSON), applies defaults and checks the
// schema version. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	default:
		// Try HCL first, fall back to JSON
		cfg, err := LoadHCL(data, path)
		if err != nil {
			if jcfg, jerr := LoadJSON(data); jerr == nil {
				return jcfg, nil
			}
			return nil, err
		}
		return cfg, nil
	}
}

// LoadHCL loads config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finishLoad(&cfg)
}

// LoadJSON loads config from JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return finishLoad(&cfg)
}

func finishLoad(cfg *Config) (*Config, error) {
	if err := checkSchema(cfg.SchemaVersion); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// checkSchema accepts any "1.Y" version; minor versions only add optional
// fields. Empty means current.
func checkSchema(v string) error {
	if v == "" {
		return nil
	}
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return fmt.Errorf("invalid schema version %q (expected X.Y)", v)
	}
	if _, err := strconv.ParseUint(minor, 10, 16); err != nil {
		return fmt.Errorf("invalid schema version %q (expected X.Y)", v)
	}
	want, _, _ := strings.Cut(CurrentSchemaVersion, ".")
	if major != want {
		return fmt.Errorf("unsupported config schema version %s (supported: %s.x)", v, want)
	}
	return nil
}

// GenerateHCL renders a config as HCL, e.g. to print the effective config.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return f.Bytes()
}
