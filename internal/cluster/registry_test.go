package cluster

import (
	"testing"
	"time"

	"broker-resilience/internal/circuit"
)

func newTestRegistry() *Registry {
	return NewRegistry(InstanceInfo{
		InstanceID: "self-1",
		Hostname:   "host-a",
		Region:     "eu-west",
		Version:    "1.0.0",
		LoadFactor: 1.0,
	})
}

func TestRegistrySeedsSelf(t *testing.T) {
	r := newTestRegistry()

	if r.Count() != 1 {
		t.Errorf("Expected 1 instance, got %d", r.Count())
	}
	if r.SelfID() != "self-1" {
		t.Errorf("Expected self-1, got %s", r.SelfID())
	}

	self := r.Self()
	if self.CircuitStates == nil || self.FailureCounts == nil {
		t.Error("Self entry should have initialized maps")
	}
}

func TestRegistryApplyHeartbeat(t *testing.T) {
	r := newTestRegistry()

	peer := InstanceInfo{
		InstanceID:    "peer-1",
		Hostname:      "host-b",
		LastHeartbeat: time.Now(),
		CircuitStates: map[string]circuit.State{"oanda_api": circuit.StateOpen},
		FailureCounts: map[string]int{"oanda_api": 5},
		LoadFactor:    0.8,
	}

	if !r.ApplyHeartbeat(peer) {
		t.Error("First heartbeat should report a new instance")
	}
	if r.ApplyHeartbeat(peer) {
		t.Error("Repeat heartbeat should not report a new instance")
	}
	if r.Count() != 2 {
		t.Errorf("Expected 2 instances, got %d", r.Count())
	}
}

func TestRegistryIgnoresSelfHeartbeat(t *testing.T) {
	r := newTestRegistry()

	if r.ApplyHeartbeat(InstanceInfo{InstanceID: "self-1"}) {
		t.Error("Self heartbeat should be ignored")
	}
	if r.ApplyHeartbeat(InstanceInfo{}) {
		t.Error("Empty instance ID should be ignored")
	}
}

func TestRegistryPruneNeverRemovesSelf(t *testing.T) {
	r := newTestRegistry()

	r.ApplyHeartbeat(InstanceInfo{
		InstanceID:    "stale-peer",
		LastHeartbeat: time.Now().Add(-5 * time.Minute),
	})
	r.ApplyHeartbeat(InstanceInfo{
		InstanceID:    "fresh-peer",
		LastHeartbeat: time.Now(),
	})

	removed := r.Prune(2 * time.Minute)

	if len(removed) != 1 || removed[0].InstanceID != "stale-peer" {
		t.Fatalf("Expected only stale-peer removed, got %v", removed)
	}
	if r.Count() != 2 {
		t.Errorf("Expected self and fresh-peer to remain, got %d", r.Count())
	}

	// Self survives pruning even without heartbeat updates
	removed = r.Prune(0)
	for _, info := range removed {
		if info.InstanceID == "self-1" {
			t.Error("Prune must never remove the local instance")
		}
	}
}

func TestRegistryTrackingCount(t *testing.T) {
	r := newTestRegistry()
	r.UpdateSelfBreaker("oanda_api", circuit.StateClosed, 0)

	if got := r.TrackingCount("oanda_api"); got != 1 {
		t.Errorf("Expected 1 tracker, got %d", got)
	}
	if got := r.TrackingCount("pricing_stream"); got != 0 {
		t.Errorf("Expected 0 trackers, got %d", got)
	}

	r.ApplyHeartbeat(InstanceInfo{
		InstanceID:    "peer-1",
		LastHeartbeat: time.Now(),
		CircuitStates: map[string]circuit.State{"oanda_api": circuit.StateClosed},
	})

	if got := r.TrackingCount("oanda_api"); got != 2 {
		t.Errorf("Expected 2 trackers, got %d", got)
	}
}

func TestRegistrySnapshotIsSortedAndDetached(t *testing.T) {
	r := newTestRegistry()
	r.ApplyHeartbeat(InstanceInfo{InstanceID: "b-peer", LastHeartbeat: time.Now()})
	r.ApplyHeartbeat(InstanceInfo{InstanceID: "a-peer", LastHeartbeat: time.Now()})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 instances, got %d", len(snap))
	}
	if snap[0].InstanceID != "a-peer" || snap[1].InstanceID != "b-peer" || snap[2].InstanceID != "self-1" {
		t.Errorf("Snapshot should be sorted by ID, got %s %s %s",
			snap[0].InstanceID, snap[1].InstanceID, snap[2].InstanceID)
	}

	// Mutating the snapshot must not leak back into the registry
	snap[0].CircuitStates["oanda_api"] = circuit.StateOpen
	if r.TrackingCount("oanda_api") != 0 {
		t.Error("Snapshot mutation leaked into registry")
	}
}

func TestRegistryLoadFactors(t *testing.T) {
	r := newTestRegistry()
	r.ApplyHeartbeat(InstanceInfo{
		InstanceID:    "peer-1",
		LastHeartbeat: time.Now(),
		LoadFactor:    2.5,
	})

	factors := r.LoadFactors()
	if factors["self-1"] != 1.0 {
		t.Errorf("Expected self load 1.0, got %f", factors["self-1"])
	}
	if factors["peer-1"] != 2.5 {
		t.Errorf("Expected peer load 2.5, got %f", factors["peer-1"])
	}
}

func TestRegistryUpdateSelfBreaker(t *testing.T) {
	r := newTestRegistry()
	r.UpdateSelfBreaker("order_execution", circuit.StateOpen, 7)

	self := r.Self()
	if self.CircuitStates["order_execution"] != circuit.StateOpen {
		t.Errorf("Expected open, got %s", self.CircuitStates["order_execution"])
	}
	if self.FailureCounts["order_execution"] != 7 {
		t.Errorf("Expected 7 failures, got %d", self.FailureCounts["order_execution"])
	}
}
