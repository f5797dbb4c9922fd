// Package fabricerr defines the broker's error taxonomy: a small closed set of
// typed error kinds that serialize to the wire error object described by the
// RPC dispatcher. Only encoding is provided: nothing here decodes a wire
// error object back into an *Error.
package fabricerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the wire "error" tag.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindNoNetwork         Kind = "no-network"
	KindBadArgument       Kind = "bad-argument"
	KindNetworkResource   Kind = "network-resource"
	KindNetworkMgmt       Kind = "network-mgmt"
	KindTerminalUnknown   Kind = "terminal-unknown"
	KindTerminalExists    Kind = "terminal-exists"
	KindTerminalName      Kind = "terminal-name"
	KindTerminalBusy      Kind = "terminal-busy"
	KindOwnTerminal       Kind = "own-terminal"
	KindTerminalMgmt      Kind = "terminal-mgmt"
	KindTerminalConfig    Kind = "terminal-config"
	KindSubterminalUnknown Kind = "subterminal-unknown"
	KindSubterminalBusy    Kind = "subterminal-busy"
	KindSubterminalMgmt    Kind = "subterminal-mgmt"
	KindSubnetworkUnknown  Kind = "subnetwork-unknown"
	KindTrunkUnknown      Kind = "trunk-unknown"
	KindTrunkMgmt         Kind = "trunk-mgmt"
	KindTrunkExpired      Kind = "trunk-expired"
	KindLabelsUnavailable Kind = "labels-unavailable"
	KindLabelsInUse       Kind = "labels-in-use"
	KindLabelMgmt         Kind = "label-mgmt"
	KindBWUnavailable     Kind = "bw-unavailable"
	KindExpiredService    Kind = "expired-service"
	KindSegmentInvalid    Kind = "segment-invalid"
	KindServiceLogic      Kind = "service-logic"
	KindNetworkLogic      Kind = "network-logic"
	KindCircuitLogic      Kind = "circuit-logic"
	KindUnknown           Kind = "unknown"
)

// Error is the broker's wire-serializable error type. Fields holds the
// kind-specific extra fields from spec (e.g. "network", "msg",
// "terminal-name"); it serializes flattened alongside "error" so the wire
// object is exactly {"error": kind, ...fields}.
type Error struct {
	Kind   Kind
	Fields map[string]interface{}
}

func (e *Error) Error() string {
	if msg, ok := e.Fields["msg"]; ok {
		return fmt.Sprintf("%s: %v", e.Kind, msg)
	}
	return string(e.Kind)
}

// Unwrap lets callers test errors.Is(err, fabricerr.ErrSentinel-style) against
// the kind via Is below; Unwrap itself has nothing further to unwrap.
func (e *Error) Unwrap() error { return nil }

// Is supports errors.Is(err, &Error{Kind: K}) comparisons by kind only.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// MarshalJSON renders {"error": kind, ...fields}.
func (e *Error) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["error"] = e.Kind
	return json.Marshal(obj)
}

// New builds an *Error of the given kind with the supplied extra fields.
func New(kind Kind, fields map[string]interface{}) *Error {
	return &Error{Kind: kind, Fields: fields}
}

// Unauthorized builds the unauthorized error for a network name.
func Unauthorized(network string) *Error {
	return New(KindUnauthorized, map[string]interface{}{"network": network})
}

// UnauthorizedService builds the unauthorized error for a mutation whose
// caller holds no auth-match grant matching the service's stamped token.
func UnauthorizedService(serviceID uint32) *Error {
	return New(KindUnauthorized, map[string]interface{}{"service-id": serviceID})
}

// NoNetwork builds the no-network error.
func NoNetwork(name string) *Error {
	return New(KindNoNetwork, map[string]interface{}{"network-name": name})
}

// BadArgument builds a malformed-request error.
func BadArgument(msg string) *Error {
	return New(KindBadArgument, map[string]interface{}{"msg": msg})
}

// NetworkResource builds a resource-exhaustion/management-disabled error.
func NetworkResource(networkName, msg string) *Error {
	return New(KindNetworkResource, map[string]interface{}{"network-name": networkName, "msg": msg})
}

// ExpiredService builds the expired-service error for a released/unknown service.
func ExpiredService(serviceID uint32) *Error {
	return New(KindExpiredService, map[string]interface{}{"service-id": serviceID})
}

// SegmentInvalid builds the define() precondition-failure error.
func SegmentInvalid(serviceID uint32, networkName, msg string) *Error {
	return New(KindSegmentInvalid, map[string]interface{}{
		"service-id":   serviceID,
		"network-name": networkName,
		"msg":          msg,
	})
}

// Unknown wraps an unexpected error into the catch-all bucket, recording the
// originating Go type the way the teacher's ValidationBuilder records a
// catch-all message.
func Unknown(err error) *Error {
	return New(KindUnknown, map[string]interface{}{
		"type": fmt.Sprintf("%T", err),
		"msg":  err.Error(),
	})
}

// AsWire converts any error into a *Error suitable for the wire, defaulting
// to the unknown bucket when err is not already typed.
func AsWire(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Unknown(err)
}
