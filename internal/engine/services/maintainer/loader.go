package maintainer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
)

// policyFile is the on-disk policy layout:
//
//	name: default
//	default_ttl: 1h
//	entries:
//	  - match: [function, parameters]
//	    ttl: 10m
//	  - match: [function, target]
type policyFile struct {
	Name       string          `koanf:"name"`
	DefaultTTL time.Duration   `koanf:"default_ttl" validate:"gte=0"`
	Entries    []policyFileRow `koanf:"entries" validate:"dive"`
}

type policyFileRow struct {
	Match []string      `koanf:"match"`
	TTL   time.Duration `koanf:"ttl" validate:"gte=0"`
}

// LoadPolicy reads a policy from a YAML, JSON or TOML file, chosen by
// extension. Durations use Go syntax ("90s", "1h").
func LoadPolicy(path string) (Policy, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return Policy{}, fmt.Errorf("policy file %s: unsupported extension", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Policy{}, fmt.Errorf("failed to load policy file %s: %w", path, err)
	}
	var pf policyFile
	if err := k.Unmarshal("", &pf); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	if err := validator.New().Struct(pf); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}

	p := Policy{Name: pf.Name, DefaultTTL: pf.DefaultTTL}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for i, row := range pf.Entries {
		d, err := ParseDimensions(row.Match...)
		if err != nil {
			return Policy{}, fmt.Errorf("policy file %s: entry %d: %w", path, i, err)
		}
		p.Entries = append(p.Entries, Entry{Match: d, TTL: row.TTL})
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}
