package degrade

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the system-wide degradation severity. The order is a strict
// ladder: failures only ever escalate to a higher level, and only the
// recovery paths move back down.
type Level int

const (
	LevelNone Level = iota
	LevelRateLimited
	LevelCachedData
	LevelReadOnly
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRateLimited:
		return "rate_limited"
	case LevelCachedData:
		return "cached_data"
	case LevelReadOnly:
		return "read_only"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseLevel maps a lowercase level name back to its Level
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "none":
		return LevelNone, true
	case "rate_limited":
		return LevelRateLimited, true
	case "cached_data":
		return LevelCachedData, true
	case "read_only":
		return LevelReadOnly, true
	case "emergency":
		return LevelEmergency, true
	}
	return LevelNone, false
}

// MarshalJSON serializes levels as their lowercase names
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseLevel(s)
	if !ok {
		return fmt.Errorf("unknown degradation level: %s", s)
	}
	*l = parsed
	return nil
}

// ServiceHealth is the tracked health of one dependent service
type ServiceHealth string

const (
	HealthHealthy     ServiceHealth = "healthy"
	HealthDegraded    ServiceHealth = "degraded"
	HealthUnavailable ServiceHealth = "unavailable"
	HealthUnknown     ServiceHealth = "unknown"
)

// ServiceStatus is the bookkeeping entry for one service
type ServiceStatus struct {
	ServiceName    string        `json:"service_name"`
	Health         ServiceHealth `json:"health"`
	LastCheck      time.Time     `json:"last_check"`
	ErrorCount     int           `json:"error_count"`
	LastError      string        `json:"last_error,omitempty"`
	Level          Level         `json:"degradation_level"`
	FallbackActive bool          `json:"fallback_active"`
}

// Event records one degradation level transition
type Event struct {
	OldLevel          Level     `json:"old_level"`
	NewLevel          Level     `json:"new_level"`
	TriggerReason     string    `json:"trigger_reason"`
	AffectedServices  []string  `json:"affected_services,omitempty"`
	EstimatedRecovery time.Time `json:"estimated_recovery"`
	Timestamp         time.Time `json:"timestamp"`
}
