package fabric

import (
	"context"
	"strings"

	"github.com/fabricbroker/fabricd/pkg/fabriclog"
	"github.com/fabricbroker/fabricd/pkg/model"
)

// Recover implements the crash-recovery procedure of spec.md §4.2 /
// invariant #8: it enumerates whatever bridges already exist on the switch,
// destroys partial (never-completed) leftovers from a prior crash, and
// adopts complete ones by mapping their tunnels back to canonical circuits
// via the terminals already registered with RegisterTerminal. It must be
// called after every relevant RegisterTerminal call and before the Manager
// otherwise starts serving Bridge/Retain/Start calls.
func (m *Manager) Recover(ctx context.Context) error {
	names, err := m.sw.GetBridgeNames(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var adopted []*Bridge

	for _, name := range names {
		desc, err := m.sw.GetBridgeDesc(ctx, name)
		if err != nil {
			fabriclog.Logger.WithError(err).WithField("bridge", name).Warn("fabric: recovery: reading bridge description failed, skipping")
			continue
		}
		if !strings.HasPrefix(desc.Descr, m.cfg.DescrPrefix) {
			continue // not one of ours
		}

		switch desc.Descr {
		case m.cfg.DescrPrefix + m.cfg.PartialSuffix:
			fabriclog.Logger.WithField("bridge", name).Info("fabric: recovery: destroying partial bridge from prior run")
			if err := m.sw.DestroyBridge(ctx, name); err != nil {
				fabriclog.Logger.WithError(err).WithField("bridge", name).Warn("fabric: recovery: destroying partial bridge failed")
			}
		case m.cfg.DescrPrefix + m.cfg.CompleteSuffix:
			b, err := m.adoptLocked(ctx, name)
			if err != nil {
				fabriclog.Logger.WithError(err).WithField("bridge", name).Warn("fabric: recovery: adopting complete bridge failed, leaving untouched")
				continue
			}
			if b != nil {
				adopted = append(adopted, b)
			}
		default:
			if m.cfg.DestroyUnknown {
				fabriclog.Logger.WithField("bridge", name).Info("fabric: recovery: destroying bridge with unrecognized marker")
				if err := m.sw.DestroyBridge(ctx, name); err != nil {
					fabriclog.Logger.WithError(err).WithField("bridge", name).Warn("fabric: recovery: destroy failed")
				}
			}
		}
	}

	for _, b := range adopted {
		m.bridges[b.key] = b
		for _, a := range b.attachments {
			m.usedOFPorts[a.ofport] = struct{}{}
		}
	}

	if len(adopted) > 0 {
		if err := m.pushPortSetsLocked(ctx); err != nil {
			fabriclog.Logger.WithError(err).Warn("fabric: recovery: re-announcing port sets to controller failed")
		}
	}

	return nil
}

// adoptLocked reconstructs a Bridge from a complete VFC's tunnels, matching
// each tunnel against every registered terminal's interface in turn.
// Tunnels that match no registered terminal are dropped with a warning —
// they likely belong to a terminal removed from config since the last
// restart — rather than failing recovery outright.
func (m *Manager) adoptLocked(ctx context.Context, bridgeID string) (*Bridge, error) {
	tunnels, err := m.sw.GetTunnels(ctx, bridgeID)
	if err != nil {
		return nil, err
	}

	flows := make(map[model.Canonical]TrafficFlow)
	attachments := make(map[model.Canonical]*attachment)

	for ofport, td := range tunnels {
		canon, ok := matchTunnel(m.terminalIfaces, td)
		if !ok {
			fabriclog.Logger.WithField("bridge", bridgeID).WithField("ofport", ofport).
				Warn("fabric: recovery: tunnel matches no registered terminal, ignoring")
			continue
		}
		flow := TrafficFlow{EgressKbps: td.ShapedRate}
		flows[canon] = flow
		attachments[canon] = &attachment{circuit: canon, flow: flow, ofport: ofport, attached: true}
	}

	if len(flows) == 0 {
		return nil, nil
	}

	canons := make([]model.Canonical, 0, len(flows))
	for c := range flows {
		canons = append(canons, c)
	}
	key := model.NewCanonicalSet(canons)

	b := newBridge(key, flows)
	b.attachments = attachments
	b.started = true
	b.bridgeName = bridgeID
	return b, nil
}

func matchTunnel(terminals map[string]*model.Interface, td TunnelDesc) (model.Canonical, bool) {
	mtd := model.TunnelDesc{Port: td.Port, OuterTag: -1, InnerTag: -1}
	if td.VLANID != nil {
		mtd.OuterTag = *td.VLANID
	}
	if td.InnerVLANID != nil {
		mtd.InnerTag = *td.InnerVLANID
	}
	for name, iface := range terminals {
		label, ok := iface.LabelFromTunnel(mtd)
		if !ok {
			continue
		}
		_ = label
		return model.Canonical{Terminal: name, Port: mtd.Port, OuterTag: mtd.OuterTag, InnerTag: mtd.InnerTag}, true
	}
	return model.Canonical{}, false
}
