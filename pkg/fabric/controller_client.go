package fabric

import (
	"context"
	"encoding/json"
	"fmt"
)

// PortSet is a set of OF ports forming one L2 broadcast domain from the
// external OpenFlow controller's point of view.
type PortSet map[int]struct{}

// NewPortSet builds a PortSet from a slice of ports.
func NewPortSet(ports []int) PortSet {
	s := make(PortSet, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

func (s PortSet) slice() []int {
	ports := make([]int, 0, len(s))
	for p := range s {
		ports = append(ports, p)
	}
	return ports
}

// ControllerClient talks to the OpenFlow controller responsible for
// programming forwarding between the ports in each port set.
type ControllerClient struct {
	rc *restClient
}

// NewControllerClient builds a ControllerClient from cfg.
func NewControllerClient(cfg RESTConfig) (*ControllerClient, error) {
	rc, err := newRESTClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ControllerClient{rc: rc}, nil
}

// DefinePortSets replaces the controller's current port-set list for dpid.
// The supplied slices array supersedes existing sets for any port it
// mentions; it returns the controller's resulting (possibly merged) list.
func (c *ControllerClient) DefinePortSets(ctx context.Context, dpid uint64, slices []PortSet) ([]PortSet, error) {
	wire := make([][]int, len(slices))
	for i, s := range slices {
		wire[i] = s.slice()
	}
	body := map[string]interface{}{"dpid": dpid, "slices": wire}
	respBody, _, err := c.rc.do(ctx, "POST", "/port-sets", body, []int{200}, false)
	if err != nil {
		return nil, err
	}
	return decodePortSets(respBody)
}

// GetPortSets reads the controller's current port-set list for dpid.
func (c *ControllerClient) GetPortSets(ctx context.Context, dpid uint64) ([]PortSet, error) {
	respBody, _, err := c.rc.do(ctx, "GET", fmt.Sprintf("/port-sets?dpid=%d", dpid), nil, []int{200}, true)
	if err != nil {
		return nil, err
	}
	return decodePortSets(respBody)
}

func decodePortSets(body []byte) ([]PortSet, error) {
	var wire [][]int
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("fabric: decoding port sets: %w", err)
	}
	out := make([]PortSet, len(wire))
	for i, ports := range wire {
		out[i] = NewPortSet(ports)
	}
	return out, nil
}
