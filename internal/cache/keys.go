// Package cache provides the key-value-with-TTL collaborator used for
// cross-process state visibility and flag-based mitigation signaling.
//
// Two backends implement types.Cache: an in-memory store for single-process
// deployments and a Redis store for sharing phase snapshots and mitigation
// flags across processes. Multi-instance coordination is explicitly out of
// scope; the Redis backend gives visibility, not consensus.
package cache

import "fmt"

// Namespace prefixes every key to isolate this system's data.
const Namespace = "olm"

// Well-known keys for cross-component state.
const (
	// KeyPhaseSnapshot holds the serialized current phase/action/factor
	// written by the phase controller on every transition and tick.
	KeyPhaseSnapshot = Namespace + ":phase:snapshot"

	// KeyOverloadLevel holds the allocator's current overload level.
	KeyOverloadLevel = Namespace + ":allocator:level"
)

// ThrottleFlagKey returns the mitigation flag key signaling that the named
// service is throttled.
func ThrottleFlagKey(service string) string {
	return fmt.Sprintf("%s:mitigation:throttle:%s", Namespace, service)
}

// DegradeFlagKey returns the mitigation flag key carrying the active
// fallback mode for the named service.
func DegradeFlagKey(service string) string {
	return fmt.Sprintf("%s:mitigation:degrade:%s", Namespace, service)
}

// DisableFlagKey returns the mitigation flag key signaling that the named
// service is disabled.
func DisableFlagKey(service string) string {
	return fmt.Sprintf("%s:mitigation:disable:%s", Namespace, service)
}

// PrioritizeFlagKey returns the flag key signaling that the named service
// must be given preferential treatment under load.
func PrioritizeFlagKey(service string) string {
	return fmt.Sprintf("%s:mitigation:prioritize:%s", Namespace, service)
}
