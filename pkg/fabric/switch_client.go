package fabric

import (
	"context"
	"encoding/json"
	"fmt"
)

// TunnelDesc is the REST wire shape for one bridge's tunnel attachment.
type TunnelDesc struct {
	OFPort     int     `json:"ofport,omitempty"`
	Port       int     `json:"port"`
	VLANID     *int    `json:"vlanId,omitempty"`
	InnerVLANID *int   `json:"innerVlanId,omitempty"`
	ShapedRate float64 `json:"shapedRate,omitempty"`
	Descr      string  `json:"descr,omitempty"`
}

// BridgeDesc is the REST wire shape of a bridge's description as reported
// by the switch.
type BridgeDesc struct {
	Name  string `json:"name"`
	Descr string `json:"descr"`
}

// SwitchClient is an idempotent REST wrapper around the switch controller's
// bridge/tunnel API (spec.md §4.5).
type SwitchClient struct {
	rc *restClient
}

// NewSwitchClient builds a SwitchClient from cfg.
func NewSwitchClient(cfg RESTConfig) (*SwitchClient, error) {
	rc, err := newRESTClient(cfg)
	if err != nil {
		return nil, err
	}
	return &SwitchClient{rc: rc}, nil
}

// CreateBridge POSTs a new bridge with the given description, returning its
// assigned name.
func (c *SwitchClient) CreateBridge(ctx context.Context, descr string) (string, error) {
	body, _, err := c.rc.do(ctx, "POST", "/bridges", map[string]string{"descr": descr}, []int{201}, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("fabric: decoding create-bridge response: %w", err)
	}
	return resp.Name, nil
}

// DestroyBridge DELETEs a bridge. A 404 is treated as success (idempotent).
func (c *SwitchClient) DestroyBridge(ctx context.Context, id string) error {
	_, _, err := c.rc.do(ctx, "DELETE", "/bridges/"+id, nil, []int{204, 404}, false)
	return err
}

// PatchBridge PATCHes a bridge's description (used to mark it "complete").
func (c *SwitchClient) PatchBridge(ctx context.Context, id, descr string) error {
	_, _, err := c.rc.do(ctx, "PATCH", "/bridges/"+id, map[string]string{"descr": descr}, []int{204}, false)
	return err
}

// AttachTunnel attaches a tunnel to bridgeID, returning the allocated OF
// port.
func (c *SwitchClient) AttachTunnel(ctx context.Context, bridgeID string, td TunnelDesc) (int, error) {
	body, _, err := c.rc.do(ctx, "POST", "/bridges/"+bridgeID+"/tunnels", td, []int{201}, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		OFPort int `json:"ofport"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("fabric: decoding attach-tunnel response: %w", err)
	}
	return resp.OFPort, nil
}

// PatchTunnel applies ingress metering (committed information rate / burst
// size) to an already-attached tunnel.
func (c *SwitchClient) PatchTunnel(ctx context.Context, bridgeID string, ofport int, cirKbps float64, cbsBytes int) error {
	body := map[string]interface{}{"cir_kbps": cirKbps, "cbs_bytes": cbsBytes}
	_, _, err := c.rc.do(ctx, "PATCH", fmt.Sprintf("/bridges/%s/tunnels/%d", bridgeID, ofport), body, []int{204}, false)
	return err
}

// DetachTunnel removes a tunnel. A 404 is treated as success.
func (c *SwitchClient) DetachTunnel(ctx context.Context, bridgeID string, ofport int) error {
	_, _, err := c.rc.do(ctx, "DELETE", fmt.Sprintf("/bridges/%s/tunnels/%d", bridgeID, ofport), nil, []int{204, 404}, false)
	return err
}

// GetTunnels lists every tunnel currently attached to bridgeID, keyed by OF
// port. This is a GET and is retried on idempotent transport failures.
func (c *SwitchClient) GetTunnels(ctx context.Context, bridgeID string) (map[int]TunnelDesc, error) {
	body, _, err := c.rc.do(ctx, "GET", "/bridges/"+bridgeID+"/tunnels", nil, []int{200}, true)
	if err != nil {
		return nil, err
	}
	var raw map[string]TunnelDesc
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fabric: decoding get-tunnels response: %w", err)
	}
	out := make(map[int]TunnelDesc, len(raw))
	for k, v := range raw {
		var port int
		if _, err := fmt.Sscanf(k, "%d", &port); err != nil {
			continue
		}
		out[port] = v
	}
	return out, nil
}

// GetBridgeNames lists every bridge currently on the switch.
func (c *SwitchClient) GetBridgeNames(ctx context.Context) ([]string, error) {
	body, _, err := c.rc.do(ctx, "GET", "/bridges", nil, []int{200}, true)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("fabric: decoding get-bridge-names response: %w", err)
	}
	return names, nil
}

// GetBridgeDesc fetches one bridge's description.
func (c *SwitchClient) GetBridgeDesc(ctx context.Context, name string) (BridgeDesc, error) {
	body, _, err := c.rc.do(ctx, "GET", "/bridges/"+name, nil, []int{200}, true)
	if err != nil {
		return BridgeDesc{}, err
	}
	var desc BridgeDesc
	if err := json.Unmarshal(body, &desc); err != nil {
		return BridgeDesc{}, fmt.Errorf("fabric: decoding bridge desc: %w", err)
	}
	return desc, nil
}
