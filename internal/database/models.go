package database

import "time"

// DecisionRecord is one persisted coordination outcome
type DecisionRecord struct {
	ID                     int64             `json:"id"`
	DecisionID             string            `json:"decision_id"`
	BreakerName            string            `json:"breaker_name"`
	Decision               string            `json:"decision"`
	ConsensusReached       bool              `json:"consensus_reached"`
	ConfidenceScore        float64           `json:"confidence_score"`
	ParticipatingInstances []string          `json:"participating_instances"`
	VotingResults          map[string]string `json:"voting_results"`
	InstanceID             string            `json:"instance_id"`
	DecidedAt              time.Time         `json:"decided_at"`
	CreatedAt              time.Time         `json:"created_at"`
}

// DegradationRecord is one persisted degradation transition
type DegradationRecord struct {
	ID                int64      `json:"id"`
	OldLevel          string     `json:"old_level"`
	NewLevel          string     `json:"new_level"`
	TriggerReason     string     `json:"trigger_reason"`
	AffectedServices  []string   `json:"affected_services"`
	EstimatedRecovery *time.Time `json:"estimated_recovery,omitempty"`
	InstanceID        string     `json:"instance_id"`
	OccurredAt        time.Time  `json:"occurred_at"`
	CreatedAt         time.Time  `json:"created_at"`
}
