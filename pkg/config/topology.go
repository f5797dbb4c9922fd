package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NetworkTopology is the parsed form of the file referenced by the top-level
// "network.config" key: per-network terminal name -> interface descriptor
// (spec.md §3). spec.md names the key but leaves its schema to the
// implementation; this is the minimal shape that lets a network's terminals
// be declared alongside its agent wiring.
type NetworkTopology struct {
	Networks map[string]struct {
		Terminals map[string]string `yaml:"terminals"`
	} `yaml:"networks"`
}

// LoadNetworkConfig reads and parses path as a NetworkTopology.
func LoadNetworkConfig(path string) (*NetworkTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading network config %s: %w", path, err)
	}
	var topo NetworkTopology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("config: parsing network config %s: %w", path, err)
	}
	return &topo, nil
}

// Terminals returns the terminal name -> descriptor map declared for
// network, or nil if the network has no entry.
func (t *NetworkTopology) Terminals(network string) map[string]string {
	if t == nil {
		return nil
	}
	entry, ok := t.Networks[network]
	if !ok {
		return nil
	}
	return entry.Terminals
}
