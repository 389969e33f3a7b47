// Package cluster implements distributed coordination for circuit
// breaker transitions: instance membership via heartbeats, majority or
// weighted voting over the message bus, and decision history.
package cluster

import (
	"time"

	"broker-resilience/internal/circuit"
)

// Vote is a single instance's answer in a coordination round
type Vote string

const (
	VoteOpen     Vote = "open"
	VoteHalfOpen Vote = "half_open"
	VoteClosed   Vote = "closed"
	VotePending  Vote = "pending" // Not yet answered
	VoteTimeout  Vote = "timeout" // Never answered; excluded from tally
)

// InstanceInfo describes one cluster member and its breaker view
type InstanceInfo struct {
	InstanceID    string                   `json:"instance_id"`
	Hostname      string                   `json:"hostname"`
	Region        string                   `json:"region"`
	Version       string                   `json:"version"`
	LastHeartbeat time.Time                `json:"last_heartbeat"`
	CircuitStates map[string]circuit.State `json:"circuit_states"`
	FailureCounts map[string]int           `json:"failure_counts"`
	LoadFactor    float64                  `json:"load_factor"`
}

// clone deep-copies the per-breaker maps so registry snapshots never
// alias live state.
func (i InstanceInfo) clone() InstanceInfo {
	out := i
	out.CircuitStates = make(map[string]circuit.State, len(i.CircuitStates))
	for k, v := range i.CircuitStates {
		out.CircuitStates[k] = v
	}
	out.FailureCounts = make(map[string]int, len(i.FailureCounts))
	for k, v := range i.FailureCounts {
		out.FailureCounts[k] = v
	}
	return out
}

// DistributedDecision is the outcome of one coordination round
type DistributedDecision struct {
	BreakerName            string          `json:"breaker_name"`
	Decision               circuit.State   `json:"decision"`
	ConsensusReached       bool            `json:"consensus_reached"`
	ParticipatingInstances []string        `json:"participating_instances"`
	VotingResults          map[string]Vote `json:"voting_results"`
	DecisionTimestamp      time.Time       `json:"decision_timestamp"`
	DecisionID             string          `json:"decision_id"`
	ConfidenceScore        float64         `json:"confidence_score"`
}
