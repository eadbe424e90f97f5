package spf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk, YAML-shaped form of the Server fields a deployer
// typically wants to override, so a Server can be described in a
// configuration file instead of assembled in code.
type Config struct {
	MaxDNSInteractiveTerms int    `yaml:"max_dns_interactive_terms"`
	MaxNameLookupsPerTerm  int    `yaml:"max_name_lookups_per_term"`
	MaxNameLookupsPerMX    int    `yaml:"max_name_lookups_per_mx"`
	MaxNameLookupsPerPTR   int    `yaml:"max_name_lookups_per_ptr"`
	DefaultExplanation     string `yaml:"default_explanation"`
	Hostname               string `yaml:"hostname"`
	ResolvConf             string `yaml:"resolv_conf"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spf: reading config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("spf: parsing config %s: %w", path, err)
	}
	return &c, nil
}

// NewServerFromConfig builds a Server with RFC defaults, then overrides
// them with any non-zero fields c sets.
func NewServerFromConfig(c *Config) (*Server, error) {
	s := NewServer()
	if c == nil {
		return s, nil
	}
	if c.MaxDNSInteractiveTerms > 0 {
		s.MaxDNSInteractiveTerms = c.MaxDNSInteractiveTerms
	}
	if c.MaxNameLookupsPerTerm > 0 {
		s.MaxNameLookupsPerTerm = c.MaxNameLookupsPerTerm
	}
	if c.MaxNameLookupsPerMX > 0 {
		s.MaxNameLookupsPerMX = c.MaxNameLookupsPerMX
	}
	if c.MaxNameLookupsPerPTR > 0 {
		s.MaxNameLookupsPerPTR = c.MaxNameLookupsPerPTR
	}
	if c.DefaultExplanation != "" {
		if !MacroIsValid(c.DefaultExplanation) {
			return nil, fmt.Errorf("spf: invalid default_explanation macro-string %q", c.DefaultExplanation)
		}
		s.DefaultExplanation = NewMacroString(c.DefaultExplanation)
	}
	if c.Hostname != "" {
		s.Hostname = c.Hostname
	}
	if c.ResolvConf != "" {
		ResolvConf = c.ResolvConf
	}
	return s, nil
}
