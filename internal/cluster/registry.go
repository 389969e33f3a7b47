package cluster

import (
	"sort"
	"sync"
	"time"

	"broker-resilience/internal/circuit"
)

// Registry tracks known cluster members. The local instance is seeded
// at construction and is never pruned, no matter how stale its entry.
type Registry struct {
	mu        sync.RWMutex
	selfID    string
	instances map[string]InstanceInfo
}

// NewRegistry creates a registry seeded with the local instance.
func NewRegistry(self InstanceInfo) *Registry {
	if self.CircuitStates == nil {
		self.CircuitStates = make(map[string]circuit.State)
	}
	if self.FailureCounts == nil {
		self.FailureCounts = make(map[string]int)
	}
	self.LastHeartbeat = time.Now()

	return &Registry{
		selfID:    self.InstanceID,
		instances: map[string]InstanceInfo{self.InstanceID: self},
	}
}

// SelfID returns the local instance ID.
func (r *Registry) SelfID() string {
	return r.selfID
}

// Self returns a copy of the local instance entry.
func (r *Registry) Self() InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[r.selfID].clone()
}

// UpdateSelf replaces the local breaker view and refreshes the
// heartbeat timestamp.
func (r *Registry) UpdateSelf(states map[string]circuit.State, counts map[string]int, loadFactor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.instances[r.selfID]
	self.CircuitStates = make(map[string]circuit.State, len(states))
	for k, v := range states {
		self.CircuitStates[k] = v
	}
	self.FailureCounts = make(map[string]int, len(counts))
	for k, v := range counts {
		self.FailureCounts[k] = v
	}
	self.LoadFactor = loadFactor
	self.LastHeartbeat = time.Now()
	r.instances[r.selfID] = self
}

// UpdateSelfBreaker updates the local view of a single breaker.
func (r *Registry) UpdateSelfBreaker(breaker string, state circuit.State, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.instances[r.selfID]
	self.CircuitStates[breaker] = state
	self.FailureCounts[breaker] = failures
	self.LastHeartbeat = time.Now()
	r.instances[r.selfID] = self
}

// ApplyHeartbeat records a peer announcement. Returns true when the
// peer was previously unknown.
func (r *Registry) ApplyHeartbeat(info InstanceInfo) bool {
	if info.InstanceID == "" || info.InstanceID == r.selfID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.instances[info.InstanceID]
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = time.Now()
	}
	r.instances[info.InstanceID] = info.clone()
	return !known
}

// Prune removes peers whose last heartbeat is older than timeout.
// The local instance is never removed.
func (r *Registry) Prune(timeout time.Duration) []InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var removed []InstanceInfo
	for id, info := range r.instances {
		if id == r.selfID {
			continue
		}
		if info.LastHeartbeat.Before(cutoff) {
			removed = append(removed, info)
			delete(r.instances, id)
		}
	}
	return removed
}

// Snapshot returns copies of all known instances, sorted by ID.
func (r *Registry) Snapshot() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(r.instances))
	for _, info := range r.instances {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// IDs returns all known instance IDs, self included.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of known instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// TrackingCount returns how many instances report any state for the
// named breaker.
func (r *Registry) TrackingCount(breaker string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, info := range r.instances {
		if _, ok := info.CircuitStates[breaker]; ok {
			n++
		}
	}
	return n
}

// LoadFactors returns instance weight by ID for weighted voting.
func (r *Registry) LoadFactors() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]float64, len(r.instances))
	for id, info := range r.instances {
		out[id] = info.LoadFactor
	}
	return out
}
