package database

import (
	"context"
	"encoding/json"
	"time"

	"broker-resilience/internal/cluster"
	"broker-resilience/internal/degrade"
)

// insertTimeout bounds best-effort history writes so a slow database
// never backs up into the protocol path.
const insertTimeout = 5 * time.Second

// History persists coordination decisions and degradation transitions.
// The in-memory windows remain authoritative for the protocol; the
// database is observability only.
type History struct {
	db         *DB
	instanceID string
}

// NewHistory creates a history store writing as the given instance
func NewHistory(db *DB, instanceID string) *History {
	return &History{db: db, instanceID: instanceID}
}

// HealthCheck pings the underlying pool
func (h *History) HealthCheck(ctx context.Context) error {
	return h.db.HealthCheck(ctx)
}

// ============================================================================
// DECISIONS
// ============================================================================

// InsertDecision persists one coordination outcome. Re-inserting the
// same decision_id is a no-op, so every instance can write the
// decisions it sees without duplicating rows.
func (h *History) InsertDecision(ctx context.Context, d cluster.DistributedDecision) error {
	votes, err := json.Marshal(d.VotingResults)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO circuit_decisions
			(decision_id, breaker_name, decision, consensus_reached, confidence_score,
			 participating_instances, voting_results, instance_id, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (decision_id) DO NOTHING
	`
	_, err = h.db.Pool.Exec(ctx, query,
		d.DecisionID, d.BreakerName, string(d.Decision), d.ConsensusReached, d.ConfidenceScore,
		d.ParticipatingInstances, votes, h.instanceID, d.DecisionTimestamp,
	)
	return err
}

// RecordDecision is the async best-effort hook handed to the
// coordinator. Failures are logged and dropped.
func (h *History) RecordDecision(d cluster.DistributedDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := h.InsertDecision(ctx, d); err != nil {
		h.db.logger.Warn().Err(err).
			Str("decision_id", d.DecisionID).
			Msg("Failed to persist decision")
	}
}

// RecentDecisions returns the newest decisions, most recent first
func (h *History) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	query := `
		SELECT id, decision_id, breaker_name, decision, consensus_reached, confidence_score,
		       participating_instances, voting_results, instance_id, decided_at, created_at
		FROM circuit_decisions
		ORDER BY decided_at DESC
		LIMIT $1
	`
	return h.queryDecisions(ctx, query, limit)
}

// DecisionsForBreaker returns the newest decisions for one breaker
func (h *History) DecisionsForBreaker(ctx context.Context, breaker string, limit int) ([]DecisionRecord, error) {
	query := `
		SELECT id, decision_id, breaker_name, decision, consensus_reached, confidence_score,
		       participating_instances, voting_results, instance_id, decided_at, created_at
		FROM circuit_decisions
		WHERE breaker_name = $1
		ORDER BY decided_at DESC
		LIMIT $2
	`
	return h.queryDecisions(ctx, query, breaker, limit)
}

func (h *History) queryDecisions(ctx context.Context, query string, args ...interface{}) ([]DecisionRecord, error) {
	rows, err := h.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var votes []byte
		err := rows.Scan(
			&rec.ID, &rec.DecisionID, &rec.BreakerName, &rec.Decision,
			&rec.ConsensusReached, &rec.ConfidenceScore, &rec.ParticipatingInstances,
			&votes, &rec.InstanceID, &rec.DecidedAt, &rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(votes) > 0 {
			if err := json.Unmarshal(votes, &rec.VotingResults); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ============================================================================
// DEGRADATION EVENTS
// ============================================================================

// InsertDegradationEvent persists one degradation transition
func (h *History) InsertDegradationEvent(ctx context.Context, ev degrade.Event) error {
	var estimated *time.Time
	if !ev.EstimatedRecovery.IsZero() {
		estimated = &ev.EstimatedRecovery
	}

	query := `
		INSERT INTO degradation_events
			(old_level, new_level, trigger_reason, affected_services,
			 estimated_recovery, instance_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := h.db.Pool.Exec(ctx, query,
		ev.OldLevel.String(), ev.NewLevel.String(), ev.TriggerReason,
		ev.AffectedServices, estimated, h.instanceID, ev.Timestamp,
	)
	return err
}

// RecordDegradation is the async best-effort hook handed to the
// degradation manager's OnChange.
func (h *History) RecordDegradation(ev degrade.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := h.InsertDegradationEvent(ctx, ev); err != nil {
		h.db.logger.Warn().Err(err).
			Str("new_level", ev.NewLevel.String()).
			Msg("Failed to persist degradation event")
	}
}

// RecentDegradationEvents returns the newest transitions, most recent first
func (h *History) RecentDegradationEvents(ctx context.Context, limit int) ([]DegradationRecord, error) {
	query := `
		SELECT id, old_level, new_level, trigger_reason, affected_services,
		       estimated_recovery, instance_id, occurred_at, created_at
		FROM degradation_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := h.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DegradationRecord
	for rows.Next() {
		var rec DegradationRecord
		err := rows.Scan(
			&rec.ID, &rec.OldLevel, &rec.NewLevel, &rec.TriggerReason,
			&rec.AffectedServices, &rec.EstimatedRecovery, &rec.InstanceID,
			&rec.OccurredAt, &rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
