package fabric

import "context"

// realizer captures the one place the two realization modes described in
// spec.md §4.2 actually differ: VFC container lifecycle. Tunnel
// attach/detach and OpenFlow controller port-set notification are common to
// both modes and live directly in Manager.
type realizer interface {
	// ensure returns the bridge/VFC id to attach tunnels on, creating a
	// new (partial) VFC in VFC-per-service mode or returning the single
	// shared VFC's id in shared mode.
	ensure(ctx context.Context, b *Bridge) (string, error)
	// complete marks a bridge fully configured (PATCH to the "complete"
	// description marker in VFC-per-service mode; a no-op in shared
	// mode, since there is no per-bridge VFC to mark).
	complete(ctx context.Context, bridgeID string) error
	// abort cleans up a not-yet-complete bridge after a failed start
	// (DELETE the partial VFC in VFC-per-service mode; a no-op in
	// shared mode, where the caller's own retain() cleanup will detach
	// the individually-attached tunnels later).
	abort(ctx context.Context, bridgeID string) error
	// teardown fully removes a bridge whose tunnels have already been
	// detached (DELETE the VFC in VFC-per-service mode; a no-op in
	// shared mode).
	teardown(ctx context.Context, bridgeID string) error
}

// vfcPerServiceRealizer gives each bridge its own VFC on the switch.
type vfcPerServiceRealizer struct {
	sw             *SwitchClient
	descrPrefix    string
	partialSuffix  string
	completeSuffix string
}

func (r *vfcPerServiceRealizer) ensure(ctx context.Context, b *Bridge) (string, error) {
	return r.sw.CreateBridge(ctx, r.descrPrefix+r.partialSuffix)
}

func (r *vfcPerServiceRealizer) complete(ctx context.Context, bridgeID string) error {
	return r.sw.PatchBridge(ctx, bridgeID, r.descrPrefix+r.completeSuffix)
}

func (r *vfcPerServiceRealizer) abort(ctx context.Context, bridgeID string) error {
	return r.sw.DestroyBridge(ctx, bridgeID)
}

func (r *vfcPerServiceRealizer) teardown(ctx context.Context, bridgeID string) error {
	return r.sw.DestroyBridge(ctx, bridgeID)
}

// sharedVFCRealizer keeps one VFC for the lifetime of the process; every
// service is a port set sliced out of it.
type sharedVFCRealizer struct {
	sharedBridgeID string
}

func (r *sharedVFCRealizer) ensure(ctx context.Context, b *Bridge) (string, error) {
	return r.sharedBridgeID, nil
}

func (r *sharedVFCRealizer) complete(ctx context.Context, bridgeID string) error { return nil }
func (r *sharedVFCRealizer) abort(ctx context.Context, bridgeID string) error    { return nil }
func (r *sharedVFCRealizer) teardown(ctx context.Context, bridgeID string) error { return nil }
