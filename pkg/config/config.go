// Package config loads the broker process's YAML configuration file: the
// program identity, the transport/network config pointers, and the list of
// per-network agents (spec.md §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentType selects which agent factory builds a network's fabric wiring.
// These correspond to the "tagged variants" design note (§9): instead of a
// Switch/Aggregator/Network class hierarchy with plug-in discovery, a
// closed set of string tags is matched against a static registry.
type AgentType string

const (
	AgentSSHNetwork        AgentType = "ssh-network"
	AgentSSHSwitch         AgentType = "ssh-switch"
	AgentSSHAggregator     AgentType = "ssh-aggregator"
	AgentCorsaBrPerLink    AgentType = "corsa-dp2x00-brperlink"
	AgentCorsaSharedBr     AgentType = "corsa-dp2x00-sharedbr"
)

// AgentConfig is one entry of the top-level "agents" list. The Corsa.*
// fields only apply to the two corsa-dp2x00-* types; they are zero-valued
// (and ignored) for the ssh-* types.
type AgentConfig struct {
	Name string    `yaml:"name"`
	Type AgentType `yaml:"type"`

	Corsa CorsaOptions `yaml:"corsa,omitempty"`
}

// CorsaOptions is the full Corsa DP2X00 option list from spec.md §6.
type CorsaOptions struct {
	DescriptionPrefix   string `yaml:"description.prefix"`
	DescriptionPartial  string `yaml:"description.partial"`
	DescriptionComplete string `yaml:"description.complete"`
	DescriptionDestroy  bool   `yaml:"description.destroy"`

	Subtype string `yaml:"subtype"`

	Resources string `yaml:"resources"`
	Metering  bool   `yaml:"metering"`
	Shaping   bool   `yaml:"shaping"`

	CtrlNetns string `yaml:"ctrl.netns"`
	CtrlHost  string `yaml:"ctrl.host"`
	CtrlPort  int    `yaml:"ctrl.port"`

	CapacityPorts   int `yaml:"capacity.ports"`
	CapacityLags    int `yaml:"capacity.lags"`
	CapacityBridges int `yaml:"capacity.bridges"`

	RESTLocation   string `yaml:"rest.location"`
	RESTCertFile   string `yaml:"rest.cert.file"`
	RESTAuthzFile  string `yaml:"rest.authz.file"`

	CtrlRESTLocation  string `yaml:"ctrl.rest.location"`
	CtrlRESTCertFile  string `yaml:"ctrl.rest.cert.file"`
	CtrlRESTAuthzFile string `yaml:"ctrl.rest.authz.file"`
}

// Config is the full broker configuration file (spec.md §6).
type Config struct {
	ProgramName         string        `yaml:"program.name"`
	UsmuxConfig         string        `yaml:"usmux.config"`
	NetworkConfig       string        `yaml:"network.config"`
	NetworkConfigServer string        `yaml:"network.config.server"`
	Agents              []AgentConfig `yaml:"agents"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig is the ambient logging configuration this broker carries
// even though spec.md's Non-goals place logging setup out of the core's
// scope — only the knobs the process exposes, mirroring the teacher's
// verbose/json output flags.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads and parses path as a broker configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ProgramName == "" {
		return fmt.Errorf("program.name is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if !RegisteredType(a.Type) {
			return fmt.Errorf("agent %q: unrecognized type %q", a.Name, a.Type)
		}
	}
	return nil
}
