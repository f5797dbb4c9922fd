package config

import (
	"fmt"
	"time"

	"github.com/fabricbroker/fabricd/pkg/fabric"
)

// Agent is what a registered agent factory produces: enough fabric wiring
// for the broker to build one network's Manager. ssh-* agent types (a
// consumer-layer concern per spec.md's Non-goals — the SSH transport
// itself is an external collaborator) resolve to a nil ManagerConfig,
// signalling "no fabric-backed switch for this network"; only the two
// corsa-dp2x00-* types currently produce one.
type Agent struct {
	Name           string
	Type           AgentType
	SwitchREST     fabric.RESTConfig
	ControllerREST fabric.RESTConfig
	ManagerConfig  *fabric.Config
	Shared         bool // true selects NewSharedVFCManager over NewVFCPerServiceManager
}

// AgentFactory builds an Agent from its configuration entry.
type AgentFactory func(AgentConfig) (Agent, error)

var factories = map[AgentType]AgentFactory{
	AgentSSHNetwork:     sshAgentFactory,
	AgentSSHSwitch:      sshAgentFactory,
	AgentSSHAggregator:  sshAgentFactory,
	AgentCorsaBrPerLink: corsaFactory(false),
	AgentCorsaSharedBr:  corsaFactory(true),
}

// RegisteredType reports whether t has a registered factory.
func RegisteredType(t AgentType) bool {
	_, ok := factories[t]
	return ok
}

// Build resolves cfg's type to its factory and constructs the Agent.
func Build(cfg AgentConfig) (Agent, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return Agent{}, fmt.Errorf("config: no factory registered for agent type %q", cfg.Type)
	}
	return f(cfg)
}

// sshAgentFactory covers the three ssh-* types: the SSH-driven device
// transport is explicitly out of the core's scope (spec.md §1 Non-goals),
// so these agents carry no fabric Manager — a network using one of them
// is a pass-through RPC surface with no switch-backed bridges.
func sshAgentFactory(cfg AgentConfig) (Agent, error) {
	return Agent{Name: cfg.Name, Type: cfg.Type}, nil
}

// corsaFactory builds the two Corsa DP2X00 agent types, which map their
// option list directly onto a fabric.Config/fabric.RESTConfig pair.
func corsaFactory(shared bool) AgentFactory {
	return func(cfg AgentConfig) (Agent, error) {
		o := cfg.Corsa
		if o.RESTLocation == "" {
			return Agent{}, fmt.Errorf("agent %q: rest.location is required", cfg.Name)
		}
		if o.CtrlRESTLocation == "" {
			return Agent{}, fmt.Errorf("agent %q: ctrl.rest.location is required", cfg.Name)
		}

		token, err := readAuthzToken(o.RESTAuthzFile)
		if err != nil {
			return Agent{}, fmt.Errorf("agent %q: switch authz: %w", cfg.Name, err)
		}
		ctrlToken, err := readAuthzToken(o.CtrlRESTAuthzFile)
		if err != nil {
			return Agent{}, fmt.Errorf("agent %q: controller authz: %w", cfg.Name, err)
		}

		return Agent{
			Name: cfg.Name,
			Type: cfg.Type,
			SwitchREST: fabric.RESTConfig{
				BaseURL:     o.RESTLocation,
				BearerToken: token,
				CACertFile:  o.RESTCertFile,
				Timeout:     10 * time.Second,
			},
			ControllerREST: fabric.RESTConfig{
				BaseURL:     o.CtrlRESTLocation,
				BearerToken: ctrlToken,
				CACertFile:  o.CtrlRESTCertFile,
				Timeout:     10 * time.Second,
			},
			ManagerConfig: &fabric.Config{
				DescrPrefix:     o.DescriptionPrefix,
				PartialSuffix:   o.DescriptionPartial,
				CompleteSuffix:  o.DescriptionComplete,
				DestroyUnknown:  o.DescriptionDestroy,
				ShapingEnabled:  o.Shaping,
				MeteringEnabled: o.Metering,
				CapacityLimit:   o.CapacityBridges,
			},
			Shared: shared,
		}, nil
	}
}

func readAuthzToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := readFile(path)
	if err != nil {
		return "", err
	}
	return trimNewline(data), nil
}
